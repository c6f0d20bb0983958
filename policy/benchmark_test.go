package policy_test

import (
	"context"
	"testing"

	"github.com/pithecene-io/ota/policy"
	"github.com/pithecene-io/ota/types"
)

type discardSink struct{}

func (discardSink) WriteStatus(_ context.Context, _ []*types.StatusUpdate) error {
	return nil
}

func (discardSink) Close() error {
	return nil
}

func BenchmarkStrictPolicy_Record(b *testing.B) {
	pol := policy.NewStrictPolicy(discardSink{})
	u := progressUpdate(1)
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		_ = pol.Record(ctx, u)
	}
}

func BenchmarkBufferedPolicy_RecordFull(b *testing.B) {
	pol, err := policy.NewBufferedPolicy(discardSink{}, policy.BufferedConfig{MaxBufferRecords: 64})
	if err != nil {
		b.Fatal(err)
	}
	u := progressUpdate(1)
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		_ = pol.Record(ctx, u)
	}
}

func BenchmarkStreamingPolicy_Record(b *testing.B) {
	pol, err := policy.NewStreamingPolicy(discardSink{}, policy.StreamingConfig{FlushCount: 128})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = pol.Close() }()
	u := progressUpdate(1)
	ctx := context.Background()

	b.ReportAllocs()
	for b.Loop() {
		_ = pol.Record(ctx, u)
	}
}
