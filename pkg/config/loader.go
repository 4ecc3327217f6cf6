package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// Load reads the process environment into v. A .env file in the working
// directory, when present, is loaded once before the first parse; variables
// already set in the environment win over it.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T, files ...string) error {
	if v == nil {
		return ErrNilPointer
	}

	dotenvOnce.Do(func() {
		// A missing .env is normal outside local development.
		_ = godotenv.Load()
	})
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return errors.Join(ErrLoadingEnvFile, err)
		}
	}

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad is Load for configuration the process cannot start without.
func MustLoad[T any](v *T, files ...string) {
	if err := Load(v, files...); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
