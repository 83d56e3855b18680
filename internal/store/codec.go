package store

import (
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// Cached records drop the per-run fields: twins depend on the candidate set
// and tags on the repository state at report time.
func encodeRecord(rec *schemas.CommitRecord) ([]byte, error) {
	c := rec.Clone()
	c.Twins = nil
	c.Tags = nil
	return json.Marshal(c)
}

func decodeRecord(raw []byte) (*schemas.CommitRecord, error) {
	var rec schemas.CommitRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
