package oauth

import "encoding/json"

func marshalCode(rec authCodeRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func unmarshalCode(raw []byte) (authCodeRecord, error) {
	var rec authCodeRecord
	err := json.Unmarshal(raw, &rec)
	return rec, err
}
