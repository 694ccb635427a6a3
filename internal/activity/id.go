package activity

import "github.com/google/uuid"

// IDProviderFunc adapts a plain function to IDProvider.
type IDProviderFunc func() (string, error)

func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues time-ordered UUIDv7 record ids, so journal rows
// sort by insertion when timestamps tie.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(newRecordID)
}

func newRecordID() (string, error) {
	recordID, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return recordID.String(), nil
}
