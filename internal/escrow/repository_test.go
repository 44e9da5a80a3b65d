package escrow

import (
	"strings"
	"testing"

	"github.com/taskmesh/backend/internal/storage"
)

// Keeps the repository's query columns aligned with the migrated schema;
// the service tests use in-memory mocks and would not catch drift here.
func TestRepositoryColumnsMatchSchema(t *testing.T) {
	schema := storage.Columns()["tasks"]
	if len(schema) == 0 {
		t.Fatal("tasks table missing from schema")
	}

	insertColumns := []string{
		"creator", "description", "required_capabilities",
		"reward", "platform_fee", "deadline", "status",
	}
	for _, col := range append(strings.Split(taskColumns, ", "), insertColumns...) {
		if !schema[col] {
			t.Errorf("repository column %q is not declared in the tasks schema", col)
		}
	}
}
