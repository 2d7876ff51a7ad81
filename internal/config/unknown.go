package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/retcon-sync/retcon/internal/model"
)

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error naming them. A typo in a config file (e.g. "adress" for "address")
// should fail loudly at startup rather than silently fall back to a
// default (spec §7 ConfigError).
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}

	return fmt.Errorf("%w: unknown config key(s): %s", model.ErrConfigError, strings.Join(keys, ", "))
}
