package bridge

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		path     string
		wantKind string
		wantOK   bool
	}{
		{"inbox task", "/ws/inbox/task-1.md", "file.task_created", true},
		{"inbox done marker", "/ws/inbox/task-1.md.done", "file.task_completed", true},
		{"output file", "/ws/outputs/report.html", "file.output_created", true},
		{"hidden file", "/ws/inbox/.swp", "", false},
		{"partial write", "/ws/inbox/task.md.tmp", "", false},
		{"unrelated dir", "/ws/elsewhere/file.md", "", false},
		{"nested under inbox", "/ws/inbox/sub/file.md", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fe, ok := Classify("/ws/inbox", "/ws/outputs", tc.path)
			if ok != tc.wantOK {
				t.Fatalf("ok=%v want %v", ok, tc.wantOK)
			}
			if ok && fe.Kind != tc.wantKind {
				t.Fatalf("kind=%s want %s", fe.Kind, tc.wantKind)
			}
		})
	}
}

func TestClassifyUnconfiguredDirs(t *testing.T) {
	if _, ok := Classify("", "", "/anywhere/file.md"); ok {
		t.Fatalf("nothing configured, nothing should match")
	}
	if _, ok := Classify("", "/ws/outputs", "/ws/outputs/out.md"); !ok {
		t.Fatalf("outputs alone should still classify")
	}
}
