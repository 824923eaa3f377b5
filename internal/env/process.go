package env

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// ProcessEnv is the read-only source behind {{process.env.NAME}}.
type ProcessEnv interface {
	LookupEnv(key string) (string, bool)
}

// OSEnv reads the environment of the current process.
type OSEnv struct{}

func (OSEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// MapEnv is a fixed set of process variables.
type MapEnv map[string]string

func (m MapEnv) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

type layered []ProcessEnv

func (l layered) LookupEnv(key string) (string, bool) {
	for _, src := range l {
		if src == nil {
			continue
		}
		if v, ok := src.LookupEnv(key); ok {
			return v, true
		}
	}
	return "", false
}

// Layered consults each source in order and returns the first hit.
func Layered(sources ...ProcessEnv) ProcessEnv {
	return layered(sources)
}

// LoadDotEnv reads a .env file without exporting it to the process.
func LoadDotEnv(path string) (MapEnv, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read dotenv %s: %w", path, err)
	}
	return MapEnv(vals), nil
}
