package pyramid

import "github.com/ksred/paperexec/internal/money"

// VisualizationView is the read-only dashboard aggregate: waves plus
// current totals for one session, no new write path.
type VisualizationView struct {
	Session Session
	Waves   []Wave
	PnL     money.Decimal
}

func (m *Manager) VisualizationData(id int64) (*VisualizationView, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	waves, err := m.store.ListWaves(id)
	if err != nil {
		return nil, err
	}
	pnl := money.Zero
	if sess.Status == StatusCompleted {
		costBasis := sess.TotalCost.Decimal
		proceeds := sess.TotalFilledQty.Decimal.Mul(sess.AvgPrice.Decimal)
		pnl = proceeds.Sub(costBasis)
	}
	return &VisualizationView{Session: *sess, Waves: waves, PnL: pnl}, nil
}
