//go:build linux

package shell

import (
	"testing"
	"time"
)

func TestResizeDebouncerCoalescesSignals(t *testing.T) {
	debouncer := newResizeDebouncer(10 * time.Millisecond)
	defer debouncer.Stop()

	debouncer.Queue()
	firstCh := debouncer.Channel()
	if firstCh == nil {
		t.Fatal("expected debounce channel after first queue")
	}

	debouncer.Queue()
	if debouncer.Channel() != firstCh {
		t.Fatal("expected second queue to reuse pending debounce channel")
	}

	select {
	case <-firstCh:
		debouncer.MarkHandled()
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for debounced signal")
	}

	if debouncer.Channel() != nil {
		t.Fatal("expected debounce channel to reset after mark handled")
	}
}

func TestIsDescendantOfRootWalksParentChain(t *testing.T) {
	parentPID := map[int]int{2: 1, 3: 2, 4: 3}
	if !isDescendantOfRoot(4, 1, parentPID) {
		t.Fatal("expected pid 4 to trace back to root 1")
	}
	if isDescendantOfRoot(4, 99, parentPID) {
		t.Fatal("pid 4 should not trace back to an unrelated root")
	}
}

func TestParsePPIDFromStatus(t *testing.T) {
	status := "Name:\tbash\nState:\tS (sleeping)\nPPid:\t1234\nUid:\t0\t0\t0\t0\n"
	ppid, ok := parsePPIDFromStatus(status)
	if !ok || ppid != 1234 {
		t.Fatalf("expected ppid 1234, got %d (ok=%v)", ppid, ok)
	}

	_, ok = parsePPIDFromStatus("Name:\tbash\n")
	if ok {
		t.Fatal("expected no PPid line to report not-ok")
	}
}
