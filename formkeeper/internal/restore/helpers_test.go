package restore

import (
	"github.com/google/uuid"

	"github.com/hazyhaar/formsafe/idgen"
)

func uuidOf(id string) (uuid.UUID, error) {
	return idgen.Parse(id)
}
