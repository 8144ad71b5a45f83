package pkg

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCalculatorApplyAndShow(t *testing.T) {
	m, _, _, _ := newTestRuntime()
	c := NewCalculator(m)

	doc := `
lab:
  name: pair
nodes:
  - name: R1
    image: {uri: frrouting/frr:latest}
  - name: R2
    image: {uri: frrouting/frr:latest}
links:
  - source: R1
    target: R2
    delayMs: 10
`
	path := filepath.Join(t.TempDir(), "topo.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	plan, report, err := c.ApplyTopoConfig(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err = report.Err(); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	var out bytes.Buffer
	ShowReport(&out, plan, report)
	for _, want := range []string{"Node: R1, Status: running", "Link: R1:eth1 <-> R2:eth1, Status: created"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("report is missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	c.ShowLinks(&out)
	if want := "Link: R1:eth1 <-> R2:eth1, State: up, Bw: -, Delay: 10ms, Loss: 0.00%\n"; out.String() != want {
		t.Fatalf("expected %q, got %q", want, out.String())
	}

	out.Reset()
	c.ShowNodes(&out)
	if got := strings.Count(out.String(), "State: running"); got != 2 {
		t.Fatalf("expected 2 running nodes, got:\n%s", out.String())
	}

	// a second apply replaces the containers and rewires the same link
	if _, report, err = c.ApplyTopoConfig(context.Background(), path); err != nil || report.Err() != nil {
		t.Fatalf("unexpected error on re-apply: %v %v", err, report.Err())
	}
	links := m.Links()
	if len(links) != 1 {
		t.Fatalf("expected the re-apply to address the same link, got %d links", len(links))
	}
	if links[0].A.Interface != "eth1" || links[0].State != "up" {
		t.Fatalf("unexpected link after re-apply %+v", links[0])
	}
}
