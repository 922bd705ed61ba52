package credential

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvStore reads credentials from KYOOS_<KEY> environment variables, with
// an optional .env file as fallback.
type EnvStore struct {
	file map[string]string
}

// NewEnvStore loads envFile if it exists. Process variables take precedence
// over the file.
func NewEnvStore(envFile string) (*EnvStore, error) {
	s := &EnvStore{file: map[string]string{}}
	if envFile == "" {
		return s, nil
	}
	vals, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if vals != nil {
		s.file = vals
	}
	return s, nil
}

// Get implements Store.
func (s *EnvStore) Get(_ context.Context, key string) (string, bool, error) {
	name := EnvName(key)
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v, true, nil
	}
	if v, ok := s.file[name]; ok && v != "" {
		return v, true, nil
	}
	return "", false, nil
}

// EnvName maps a credential key to its environment variable, e.g.
// auth_token -> KYOOS_AUTH_TOKEN.
func EnvName(key string) string {
	return "KYOOS_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}
