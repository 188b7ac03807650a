// FileStore keeps channel-scoped session variables (session ID, display
// name) between runs, so a restarted client resumes the same identity on the
// signaling server.
//
// Variables are grouped per channel ID and persisted to a single local file
// as an encrypted JSON blob (see: Crypto). The file is read once on Load()
// and rewritten on every change (see: Set()).

package sessionstore

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
)

type Crypto interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

type FileStore struct {
	cfg FileStoreConfig

	crypto Crypto

	mu       sync.Mutex
	channels map[string]map[string]string
}

type FileStoreConfig struct {
	Path string
}

func NewFileStore(cfg FileStoreConfig, crypto Crypto) *FileStore {
	return &FileStore{
		cfg:      cfg,
		crypto:   crypto,
		channels: map[string]map[string]string{},
	}
}

// Load reads the store file. A missing file is not an error, it just means
// a fresh store.
func (s *FileStore) Load() error {
	payload, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	decrypted, err := s.crypto.Decrypt(payload)
	if err != nil {
		return errors.Wrap(err, "decrypt store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return json.Unmarshal(decrypted, &s.channels)
}

func (s *FileStore) Get(channelID, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.channels[channelID][key]
}

// Set stores a channel variable and persists the store if the value changed.
// An empty value removes the variable.
func (s *FileStore) Set(channelID, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vars := s.channels[channelID]

	if value != "" && value != vars[key] {
		if vars == nil {
			vars = map[string]string{}
			s.channels[channelID] = vars
		}

		vars[key] = value
	} else if value == "" && vars[key] != "" {
		delete(vars, key)
	} else {
		return false, nil
	}

	return true, s.flush()
}

func (s *FileStore) flush() error {
	payload, err := json.Marshal(s.channels)
	if err != nil {
		return err
	}

	encrypted, err := s.crypto.Encrypt(payload)
	if err != nil {
		return errors.Wrap(err, "encrypt store")
	}

	return os.WriteFile(s.cfg.Path, encrypted, 0600)
}
