package limiter

import (
	"context"
	"fmt"
)

func ExampleMemoryBackend() {
	ctx := context.Background()

	b := NewMemoryBackend()
	if err := b.Connect(ctx); err != nil {
		panic(err)
	}
	defer b.Disconnect(ctx)

	limit := MustLimit(2, Window{Minutes: 1})

	for range 3 {
		dec, err := b.Check(ctx, "user:user_123", limit)
		if err != nil {
			panic(err)
		}
		fmt.Println(dec.Allow, dec.Remaining)
	}
	// Output:
	// true 1
	// true 0
	// false 0
}

func ExampleNewCompositeBackend() {
	ctx := context.Background()

	primary := NewMemoryBackend()
	fallback := NewMemoryBackend()
	b, err := NewCompositeBackend(primary, fallback, WithStrategy(StrategyCircuitBreaker))
	if err != nil {
		panic(err)
	}
	if err := b.Connect(ctx); err != nil {
		panic(err)
	}
	defer b.Disconnect(ctx)

	dec, err := b.Check(ctx, "user:user_123", MustLimit(10, Window{Seconds: 1}))
	if err != nil {
		panic(err)
	}
	fmt.Println(dec.Allow, b.CurrentBackend())
	// Output:
	// true primary
}
