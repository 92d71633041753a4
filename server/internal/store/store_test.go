package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wptpipe/wptpipe/pkg/types"
)

func page(url string) Page {
	return Page{URL: url, Group: "home", Medians: map[string]any{"firstView": map[string]any{"SpeedIndex": 1000.0}}}
}

func group(name string, count int64) Group {
	return Group{GroupSummary: types.GroupSummary{Group: name, Count: count}}
}

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestPutAndGetPage(t *testing.T) {
	st := New(5*time.Minute, 10)
	st.PutPage(page("https://a.example"))

	p, ok := st.Page("https://a.example")
	if !ok {
		t.Fatal("Page: expected entry, got none")
	}
	if p.Group != "home" || p.UpdatedAt.IsZero() {
		t.Errorf("got %+v", p)
	}
	if _, ok := st.Page("https://missing.example"); ok {
		t.Error("Page on unknown URL: expected false")
	}
}

func TestPutPage_Overwrites(t *testing.T) {
	st := New(5*time.Minute, 10)
	p := page("u")
	st.PutPage(p)
	p.TestID = "T2"
	st.PutPage(p)

	got, _ := st.Page("u")
	if got.TestID != "T2" {
		t.Errorf("TestID: got %q, want T2", got.TestID)
	}
	if n, _ := st.Count(); n != 1 {
		t.Errorf("pages: got %d, want 1", n)
	}
}

func TestPages_SortedAndExcludeStale(t *testing.T) {
	base := time.Now()
	st := New(5*time.Minute, 10)

	st.now = fixedClock(base.Add(-10 * time.Minute))
	st.PutPage(page("stale"))

	st.now = fixedClock(base)
	st.PutPage(page("b"))
	st.PutPage(page("a"))

	ps := st.Pages()
	if len(ps) != 2 || ps[0].URL != "a" || ps[1].URL != "b" {
		t.Fatalf("Pages: got %+v", ps)
	}
	if n, _ := st.Count(); n != 3 {
		t.Errorf("Count includes stale: got %d, want 3", n)
	}
}

func TestGroups(t *testing.T) {
	st := New(5*time.Minute, 10)
	st.PutGroup(group("search", 1))
	st.PutGroup(group("home", 2))
	st.PutGroup(group("home", 5))

	gs := st.Groups()
	if len(gs) != 2 || gs[0].Group != "home" || gs[1].Group != "search" {
		t.Fatalf("Groups: got %+v", gs)
	}
	g, ok := st.Group("home")
	if !ok || g.Count != 5 {
		t.Errorf("Group(home): got %+v, %v", g, ok)
	}
}

func TestErrors_RingNewestFirst(t *testing.T) {
	st := New(5*time.Minute, 3)
	for i := 0; i < 5; i++ {
		st.RecordError(ErrorRecord{URL: fmt.Sprintf("u%d", i), Message: "boom"})
	}
	errs := st.Errors()
	if len(errs) != 3 {
		t.Fatalf("Errors: got %d, want 3", len(errs))
	}
	for i, want := range []string{"u4", "u3", "u2"} {
		if errs[i].URL != want {
			t.Errorf("errs[%d].URL = %q, want %q", i, errs[i].URL, want)
		}
		if errs[i].At.IsZero() {
			t.Errorf("errs[%d].At not stamped", i)
		}
	}
}

func TestEvict_RemovesStale(t *testing.T) {
	base := time.Now()
	st := New(5*time.Minute, 10)

	st.now = fixedClock(base.Add(-10 * time.Minute))
	st.PutPage(page("old1"))
	st.PutPage(page("old2"))
	st.PutGroup(group("old", 1))

	st.now = fixedClock(base)
	st.PutPage(page("live"))
	st.PutGroup(group("live", 1))

	if removed := st.Evict(base); removed != 3 {
		t.Errorf("Evict: removed %d, want 3", removed)
	}
	if p, g := st.Count(); p != 1 || g != 1 {
		t.Errorf("Count after evict: got %d/%d, want 1/1", p, g)
	}
}

func TestEvict_NoOp_AllLive(t *testing.T) {
	base := time.Now()
	st := New(5*time.Minute, 10)
	st.now = fixedClock(base)
	st.PutPage(page("src"))

	if removed := st.Evict(base); removed != 0 {
		t.Errorf("Evict on live entry: removed %d, want 0", removed)
	}
}

func TestZeroTTL_NeverExpires(t *testing.T) {
	base := time.Now()
	st := New(0, 10)
	st.now = fixedClock(base.Add(-1000 * time.Hour))
	st.PutPage(page("ancient"))
	st.PutGroup(group("ancient", 1))

	st.now = fixedClock(base)
	if n := len(st.Pages()); n != 1 {
		t.Errorf("Pages: got %d, want 1", n)
	}
	if n := len(st.Groups()); n != 1 {
		t.Errorf("Groups: got %d, want 1", n)
	}
	if removed := st.Evict(base); removed != 0 {
		t.Errorf("Evict: removed %d, want 0", removed)
	}
}

func TestConcurrentMixedOps(t *testing.T) {
	st := New(5*time.Minute, 10)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			st.PutPage(page("u"))
		}()
		go func() {
			defer wg.Done()
			st.RecordError(ErrorRecord{URL: "u"})
		}()
		go func() {
			defer wg.Done()
			st.Pages()
			st.Errors()
		}()
	}
	wg.Wait()

	if n, _ := st.Count(); n != 1 {
		t.Errorf("pages after concurrent puts: got %d, want 1", n)
	}
}
