package identity

import (
	"encoding/json"
	"fmt"

	"passkey-service/internal/encryption"
)

func encodeEnvelope(envelope *encryption.EncryptedData) ([]byte, error) {
	blob, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode email envelope: %w", err)
	}
	return blob, nil
}

func decodeEnvelope(blob []byte) (*encryption.EncryptedData, error) {
	envelope := &encryption.EncryptedData{}
	if err := json.Unmarshal(blob, envelope); err != nil {
		return nil, fmt.Errorf("failed to decode email envelope: %w", err)
	}
	return envelope, nil
}
