package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPlanIterationsDefault(t *testing.T) {
	its, err := planIterations(RunOptions{})
	if err != nil || len(its) != 1 || its[0].total != 1 {
		t.Fatalf("expected a single iteration, got %+v (%v)", its, err)
	}
	its, err = planIterations(RunOptions{IterationCount: 3})
	if err != nil || len(its) != 3 || its[2].index != 2 || its[2].total != 3 {
		t.Fatalf("unexpected iterations %+v (%v)", its, err)
	}
}

func TestPlanIterationsCSV(t *testing.T) {
	path := writeTemp(t, "rows.csv", "id, name\n1, ada\n2\n")
	its, err := planIterations(RunOptions{CSVFilePath: path, IterationCount: 10})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(its) != 2 {
		t.Fatalf("data rows decide the iteration count, got %d", len(its))
	}
	if its[0].vars["name"] != "ada" || its[1].vars["id"] != "2" || its[1].vars["name"] != "" {
		t.Fatalf("unexpected rows %+v", its)
	}
}

func TestPlanIterationsJSON(t *testing.T) {
	path := writeTemp(t, "rows.json", `[{"id": 1, "user": {"name": "ada"}}, {"id": "two"}]`)
	its, err := planIterations(RunOptions{JSONFilePath: path})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(its) != 2 || its[0].vars["id"] != "1" || its[0].vars["user"] != `{"name":"ada"}` || its[1].vars["id"] != "two" {
		t.Fatalf("unexpected rows %+v", its)
	}
	if _, ok := its[0].data["user"].(map[string]any); !ok {
		t.Fatalf("iteration data must keep structured values")
	}
}

func TestPlanIterationsErrors(t *testing.T) {
	csvPath := writeTemp(t, "rows.csv", "id\n")
	jsonPath := writeTemp(t, "rows.json", `{"id": 1}`)
	cases := []struct {
		opts RunOptions
		want string
	}{
		{RunOptions{CSVFilePath: csvPath, JSONFilePath: jsonPath}, "cannot be used together"},
		{RunOptions{CSVFilePath: csvPath}, "no data rows"},
		{RunOptions{JSONFilePath: jsonPath}, "must be a JSON array"},
		{RunOptions{CSVFilePath: filepath.Join(t.TempDir(), "missing.csv")}, "csv-file-path"},
	}
	for _, tc := range cases {
		_, err := planIterations(tc.opts)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("expected error containing %q, got %v", tc.want, err)
		}
	}
}
