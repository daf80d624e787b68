package codec

import (
	"crypto/sha256"
	"encoding/json"
	"hash"
)

func sha256New() hash.Hash { return sha256.New() }

func marshalTagged(value Record) ([]byte, error) {
	return json.Marshal(value)
}

func unmarshalTagged(data []byte, dst Record) error {
	return json.Unmarshal(data, dst)
}

func marshalEnvelope(env sealedEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func unmarshalEnvelope(data []byte, env *sealedEnvelope) error {
	return json.Unmarshal(data, env)
}
