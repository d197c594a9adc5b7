package contracts

import jsoniter "github.com/json-iterator/go"

// wireJSON is the codec for persisted entries (decoded by DirStore and
// BuntStore when asked to fetch values or metadata), matching the teacher's
// own choice of jsoniter over encoding/json.
var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalEntry/UnmarshalEntry serialize and decode a persisted Entry;
// DirStore and BuntStore decode with UnmarshalEntry.
func MarshalEntry(e Entry) ([]byte, error) {
	return wireJSON.Marshal(e)
}

func UnmarshalEntry(data []byte) (Entry, error) {
	var e Entry
	err := wireJSON.Unmarshal(data, &e)
	return e, err
}
