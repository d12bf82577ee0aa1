package pyramid

import (
	"context"

	"github.com/ksred/paperexec/internal/money"
)

// PreviewResult is Preview's read-only answer: the wave schedule and
// estimated cost from the TargetQty/TargetPrice formulas queueWave uses,
// without persisting anything. Create itself computes no cost.
type PreviewResult struct {
	Waves               []WavePreview
	EstimatedCost       money.Decimal
	IsolatedFundRatio   float64
}

type WavePreview struct {
	WaveNum int
	Qty     money.Decimal
	Price   money.Decimal
}

// Preview computes the wave schedule and cost a Create(p) call would
// produce, without writing a session.
func (m *Manager) Preview(ctx context.Context, p CreateParams) (*PreviewResult, error) {
	info, err := m.prices.ExchangeInfo(ctx, p.Symbol)
	if err != nil {
		return nil, err
	}

	pipSize := PipSize(p.PipMultiplier, info.MinQty)
	waves := make([]WavePreview, p.MaxWaves)
	total := money.Zero
	for n := 0; n < p.MaxWaves; n++ {
		qty := TargetQty(n, pipSize, info.MinQty, info.StepSize)
		price := TargetPrice(p.EntryPrice, p.DistancePct, n, info.PriceStep)
		waves[n] = WavePreview{WaveNum: n, Qty: qty, Price: price}
		total = total.Add(qty.Mul(price))
	}

	ratio := 0.0
	if !p.IsolatedFund.IsZero() {
		f, _ := total.Div(p.IsolatedFund).Float64()
		ratio = f
	}

	return &PreviewResult{Waves: waves, EstimatedCost: total, IsolatedFundRatio: ratio}, nil
}
