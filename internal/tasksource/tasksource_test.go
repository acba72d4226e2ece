package tasksource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestReadyTasksMissingFileIsEmptyQueue(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "tasks.json"))
	tasks, err := s.ReadyTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty queue, got %d tasks", len(tasks))
	}
}

func TestReadyTasksMalformedFileDowngradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	tasks, err := New(path).ReadyTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty queue for malformed file, got %d", len(tasks))
	}
}

func TestReadyTasksSortedByID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	doc := `[{"id":"T-2","priority":1,"complexity":3},{"id":"T-1","priority":5,"complexity":8}]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	tasks, err := New(path).ReadyTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].ID != "T-1" || tasks[1].ID != "T-2" {
		t.Fatalf("expected deterministic id order, got %+v", tasks)
	}
	if tasks[0].Priority != 5 || tasks[0].Complexity != 8 {
		t.Fatalf("fields not carried through: %+v", tasks[0])
	}
}
