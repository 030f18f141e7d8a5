package graph

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryClient_QueuedResults(t *testing.T) {
	t.Parallel()

	mem := NewMemoryClient()
	mem.PushReadResult(Result{Records: []Record{{"id": "a"}}})
	ctx := context.Background()

	res, err := mem.ExecuteRead(ctx, "MATCH (n) RETURN n.id AS id", map[string]any{"x": 1})
	if err != nil || len(res.Records) != 1 || res.Records[0]["id"] != "a" {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	if res, _ := mem.ExecuteRead(ctx, "MATCH (n) RETURN n", nil); len(res.Records) != 0 {
		t.Fatalf("expected an empty result once the queue drains")
	}
	if _, err := mem.ExecuteWrite(ctx, "CREATE (n)", nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls := mem.WriteCalls(); len(calls) != 1 || !calls[0].Write {
		t.Fatalf("expected one recorded write, got %+v", calls)
	}
	if calls := mem.ReadCalls(); len(calls) != 2 || calls[0].Params["x"] != 1 {
		t.Fatalf("expected two recorded reads, got %+v", calls)
	}
}

func TestMemoryClient_HandlerAndErrors(t *testing.T) {
	t.Parallel()

	mem := NewMemoryClient().WithHandler(func(q ExecutedQuery) (Result, error) {
		return Result{Records: []Record{{"write": q.Write}}}, nil
	})
	ctx := context.Background()
	if res, _ := mem.ExecuteWrite(ctx, "MERGE (n)", nil); res.Records[0]["write"] != true {
		t.Fatalf("expected handler to see the write flag")
	}

	boom := errors.New("boom")
	mem.WithError(boom).WithConnectivityError(boom)
	if _, err := mem.ExecuteRead(ctx, "MATCH (n) RETURN n", nil); !errors.Is(err, boom) {
		t.Fatalf("expected configured error, got %v", err)
	}
	if err := mem.VerifyConnectivity(ctx); !errors.Is(err, boom) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	_ = mem.Close(ctx)
	if !mem.Closed() {
		t.Fatalf("expected client to be closed")
	}
}
