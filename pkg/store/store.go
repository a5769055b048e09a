// Package store persists session credentials between restarts. The store
// is advisory: a panel that loses it only pays one extra upstream call.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v3"

	"github.com/replywell/chatkit-creds/pkg/session"
)

// FileStore keeps one YAML file per panel key under a base directory.
type FileStore struct {
	fs  afero.Fs
	dir string
}

func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

// Get returns the credential persisted under key, or (nil, nil) when none
// exists. Expiry is not checked here; callers validate against their own
// clock.
func (s *FileStore) Get(key string) (*session.Credential, error) {
	bytes, err := afero.ReadFile(s.fs, s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading credential: %v", err)
	}

	var cred session.Credential
	if err := yaml.Unmarshal(bytes, &cred); err != nil {
		return nil, fmt.Errorf("error unmarshalling credential: %v", err)
	}
	if cred.Secret == "" {
		return nil, nil
	}

	return &cred, nil
}

func (s *FileStore) Set(key string, cred *session.Credential) error {
	bytes, err := yaml.Marshal(cred)
	if err != nil {
		return fmt.Errorf("error marshalling credential: %v", err)
	}

	if err := s.fs.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("error creating store directory: %v", err)
	}

	if err := afero.WriteFile(s.fs, s.path(key), bytes, 0600); err != nil {
		return fmt.Errorf("error writing credential: %v", err)
	}

	log.Debugf("wrote credential to %s", s.path(key))
	return nil
}

func (s *FileStore) Delete(key string) error {
	err := s.fs.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing credential: %v", err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".yaml")
}
