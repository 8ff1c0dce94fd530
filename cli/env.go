package cli

import "strings"

// envKeyReplacer maps a dotted viper key ("database.url") to the
// environment variable form AutomaticEnv looks up ("DATABASE_URL").
func envKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}
