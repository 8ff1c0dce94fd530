package push

import (
	"crypto/sha1"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Checksum returns the state-diff fingerprint for one row's data:
// sha1(msgpack(sorted(flatten(data)))). Sorting the
// flattened key/value pairs before encoding makes the checksum
// independent of map iteration order, so the same logical row always
// hashes the same way regardless of how it was built.
func Checksum(data map[string]interface{}) (string, error) {
	flat := flatten("", data)
	sort.Slice(flat, func(i, j int) bool { return flat[i].Key < flat[j].Key })

	encoded, err := msgpack.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("push: failed to encode row for checksum: %w", err)
	}

	sum := sha1.Sum(encoded)
	return fmt.Sprintf("%x", sum), nil
}

// kv is one flattened dotted-key/value pair. msgpack encodes it as a
// two-entry map whose keys (Key, Value) follow the field declaration
// order, so its on-wire shape is stable.
type kv struct {
	Key   string
	Value interface{}
}

// flatten walks data recursively, turning nested objects into dotted
// keys (the same convention Property.Place uses) so two rows that
// differ only in map key ordering still flatten identically.
func flatten(prefix string, data map[string]interface{}) []kv {
	var out []kv
	for k, v := range data {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out = append(out, flatten(key, nested)...)
			continue
		}
		out = append(out, kv{Key: key, Value: v})
	}
	return out
}
