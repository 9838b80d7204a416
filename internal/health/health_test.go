package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAggregation(t *testing.T) {
	r := NewRegistry()
	r.Register(func(_ context.Context) Status { return OK("database", "") })
	r.Register(func(_ context.Context) Status { return OK("storage", "postgres") })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "storage" {
		t.Errorf("report order should follow registration order, got %v", statuses)
	}

	r.Register(func(_ context.Context) Status {
		return Fail("custodial", errors.New("circuit open"))
	})
	healthy, statuses = r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing checker should degrade the aggregate")
	}
	if statuses[2].Detail != "circuit open" {
		t.Errorf("Detail = %q, want circuit open", statuses[2].Detail)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestDBChecker(t *testing.T) {
	check := DBChecker("database", fakePinger{})
	st := check(context.Background())
	if !st.Healthy || st.Name != "database" {
		t.Errorf("healthy ping gave %+v", st)
	}

	check = DBChecker("database", fakePinger{err: errors.New("refused")})
	st = check(context.Background())
	if st.Healthy {
		t.Error("failed ping should be unhealthy")
	}
	if st.Detail != "refused" {
		t.Errorf("Detail = %q, want refused", st.Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register(func(_ context.Context) Status { return OK("probe", "") })
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
