// Package persistence implements the broker's periodic state dump (spec.md
// §4.7): a single pretty-printed JSON document combining the topic
// handler's retained messages and subscriptions with the clients
// manager's session snapshot, written atomically via a temp-file rename.
package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pyr33x/goqtt/internal/session"
	"github.com/pyr33x/goqtt/internal/topic"
	"github.com/pyr33x/goqtt/pkg/er"
)

// TopicDoc is the topic handler's slice of the dump: its retained messages
// and live subscriptions.
type TopicDoc struct {
	Retained      []topic.RetainedSnapshot     `json:"retained"`
	Subscriptions []topic.SubscriptionSnapshot `json:"subscriptions"`
}

// ClientsDoc is the clients manager's slice of the dump: its session
// snapshots.
type ClientsDoc struct {
	Sessions []session.SessionSnapshot `json:"sessions"`
}

// Document is the on-disk shape of a dump: two top-level keys, one per
// component, each holding that component's own serialized state (§4.7/§6).
// A reader must ignore unknown keys and fail closed on either key missing.
type Document struct {
	TopicHandler   TopicDoc   `json:"topic_handler"`
	ClientsManager ClientsDoc `json:"clients_manager"`
}

// Dump serializes the topic handler and clients manager state to path,
// writing to a sibling temp file first and renaming over path so a reader
// never observes a partially-written document.
func Dump(path string, tree *topic.Tree, sessions *session.Manager) error {
	retained, subs := tree.Snapshot()
	doc := Document{
		TopicHandler: TopicDoc{
			Retained:      retained,
			Subscriptions: subs,
		},
		ClientsManager: ClientsDoc{
			Sessions: sessions.Snapshot(),
		},
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dump-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

// Load reads a dump file. A missing file is not an error: it reports a
// zero Document so the broker starts empty on first run.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, nil
		}
		return Document{}, err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return Document{}, err
	}
	for _, k := range []string{"topic_handler", "clients_manager"} {
		if _, ok := keys[k]; !ok {
			return Document{}, &er.Err{Context: "Persistence, Load " + k, Message: er.ErrRestoreFailed}
		}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Restore applies a loaded Document to a fresh topic handler and clients
// manager, returning the last-wills to republish and the clean-session ids
// that must be scrubbed from the topic handler (§4.7 step 2-3).
func Restore(doc Document, tree *topic.Tree, sessions *session.Manager) (wills []*session.Will, scrubbed []string) {
	tree.Restore(doc.TopicHandler.Retained, doc.TopicHandler.Subscriptions)
	wills, scrubbed = sessions.Restore(doc.ClientsManager.Sessions)
	for _, id := range scrubbed {
		tree.RemoveClient(id)
	}
	return wills, scrubbed
}
