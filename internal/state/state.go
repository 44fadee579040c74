package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("app")
	lastOpenedBucket = []byte("last_opened")
	tokenKey         = []byte("token")
	participantIDKey = []byte("participant_id")
)

// State wraps a bbolt database for the small amount of client state that
// outlives a process: the session credential and the conversation each
// participant last had open.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(lastOpenedBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the stored session token, or empty string.
func (s *State) Token() string {
	return s.getApp(tokenKey)
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.putApp(tokenKey, token)
}

// ParticipantID returns the stored participant identifier, or empty string.
func (s *State) ParticipantID() string {
	return s.getApp(participantIDKey)
}

// SetParticipantID persists the participant identifier.
func (s *State) SetParticipantID(id string) error {
	return s.putApp(participantIDKey, id)
}

// LastConversation returns the conversation the participant last opened,
// or empty string.
func (s *State) LastConversation(participantID string) string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(lastOpenedBucket).Get([]byte(participantID)); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetLastConversation records the conversation the participant opened.
func (s *State) SetLastConversation(participantID, conversationID string) error {
	if participantID == "" {
		return fmt.Errorf("participant id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lastOpenedBucket)
		if conversationID == "" {
			return b.Delete([]byte(participantID))
		}

		return b.Put([]byte(participantID), []byte(conversationID))
	})
}

func (s *State) getApp(key []byte) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(key); v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

func (s *State) putApp(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(value))
	})
}

// DefaultPath returns ~/.chat-sync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chat-sync", "state.db"), nil
}
