package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"backtest/internal/bar"
	"backtest/internal/broker"
	"backtest/internal/config"
	"backtest/internal/feed"
	"backtest/internal/obs"
	"backtest/internal/order"
	"backtest/pkg/exception"
)

// Report is the outcome of one scenario run.
type Report struct {
	RunID    string          `json:"runId"`
	Name     string          `json:"name"`
	Bars     int             `json:"bars"`
	Final    broker.Snapshot `json:"final"`
	Equity   []EquityPoint   `json:"equity"`
	Orders   []OrderReport   `json:"orders"`
	Rejected int             `json:"rejected"`
	Metrics  obs.Snapshot    `json:"metrics"`
}

// EquityPoint is the portfolio value after a bar set was processed.
type EquityPoint struct {
	DateTime time.Time `json:"dateTime"`
	Cash     float64   `json:"cash"`
	Equity   float64   `json:"equity"`
}

// OrderReport is the final state of a scripted order.
type OrderReport struct {
	ID           uint64  `json:"id"`
	Instrument   string  `json:"instrument"`
	Type         string  `json:"type"`
	Action       string  `json:"action"`
	State        string  `json:"state"`
	Quantity     float64 `json:"quantity"`
	Filled       float64 `json:"filled"`
	AvgFillPrice float64 `json:"avgFillPrice"`
	Commissions  float64 `json:"commissions"`
	Option       string  `json:"option,omitempty"`
	Rejected     string  `json:"rejected,omitempty"`
}

type runner struct {
	broker    *broker.Broker
	orders    []config.OrderSpec
	next      int
	bar       int
	submitted []*order.Order
	rejected  map[*order.Order]string
	report    *Report
}

// Run replays a scenario: the broker processes every bar set first, then the
// orders scripted for that bar set are submitted.
func Run(ctx context.Context, loaded config.Loaded) (Report, error) {
	sc := loaded.Scenario
	report := Report{
		RunID: uuid.NewString(),
		Name:  sc.Name,
	}

	metrics := obs.NewMetrics()
	f := feed.NewMemory(sc.Frequency)
	if err := f.Load(sc.Series); err != nil {
		return Report{}, err
	}

	cfg, err := loaded.BrokerConfig(metrics)
	if err != nil {
		return Report{}, err
	}
	b, err := broker.New(f, cfg)
	if err != nil {
		return Report{}, err
	}
	b.Subscribe(func(evt order.Event) {
		logs.Debugf("[%s] %s %s %s", report.RunID, evt.Type, evt.Order, evt.Reason)
	})

	r := &runner{
		broker:   b,
		orders:   sc.Orders,
		bar:      -1,
		rejected: make(map[*order.Order]string),
		report:   &report,
	}
	if err := r.submitDue(); err != nil {
		return Report{}, err
	}
	f.Subscribe(r.onBars)

	if err := f.Run(ctx); err != nil {
		return Report{}, err
	}

	report.Bars = r.bar + 1
	report.Final = b.Snapshot()
	report.Metrics = metrics.Snapshot()
	for _, o := range r.submitted {
		var option string
		if meta, ok := o.Option(); ok {
			option = fmt.Sprintf("%s %v %s", meta.Right, meta.Strike, meta.Expiry.Format(time.DateOnly))
		}
		report.Orders = append(report.Orders, OrderReport{
			ID:           o.ID(),
			Instrument:   o.Instrument(),
			Type:         o.Type().String(),
			Action:       o.Action().String(),
			State:        o.State().String(),
			Quantity:     o.Quantity(),
			Filled:       o.Filled(),
			AvgFillPrice: o.AvgFillPrice(),
			Commissions:  o.Commissions(),
			Option:       option,
			Rejected:     r.rejected[o],
		})
	}
	return report, nil
}

func (r *runner) onBars(dateTime time.Time, _ bar.Bars) error {
	r.bar++
	r.report.Equity = append(r.report.Equity, EquityPoint{
		DateTime: dateTime,
		Cash:     r.broker.Cash(),
		Equity:   r.broker.Equity(),
	})
	return r.submitDue()
}

func (r *runner) submitDue() error {
	for r.next < len(r.orders) && r.orders[r.next].Bar <= r.bar {
		spec := r.orders[r.next]
		r.next++

		o, err := r.create(spec)
		if err != nil {
			return err
		}
		r.submitted = append(r.submitted, o)

		if err := r.broker.SubmitOrder(o); err != nil {
			if errors.Is(err, exception.ErrRiskDenied) {
				logs.Warnf("[%s] %v", r.report.RunID, err)
				r.rejected[o] = err.Error()
				r.report.Rejected++
				continue
			}
			return err
		}
	}
	return nil
}

func (r *runner) create(spec config.OrderSpec) (*order.Order, error) {
	var (
		o   *order.Order
		err error
	)
	switch spec.Type {
	case order.TypeMarket:
		o, err = r.broker.CreateMarketOrder(spec.Action, spec.Instrument, spec.Quantity, spec.OnClose)
	case order.TypeLimit:
		o, err = r.broker.CreateLimitOrder(spec.Action, spec.Instrument, spec.LimitPrice, spec.Quantity)
	case order.TypeStop:
		o, err = r.broker.CreateStopOrder(spec.Action, spec.Instrument, spec.StopPrice, spec.Quantity)
	case order.TypeStopLimit:
		o, err = r.broker.CreateStopLimitOrder(spec.Action, spec.Instrument, spec.StopPrice, spec.LimitPrice, spec.Quantity)
	default:
		return nil, exception.ErrInvalidType
	}
	if err != nil {
		return nil, err
	}

	if err := o.SetGoodTillCanceled(spec.GoodTillCanceled); err != nil {
		return nil, err
	}
	if err := o.SetAllOrNone(spec.AllOrNone); err != nil {
		return nil, err
	}
	if spec.Option != nil {
		if err := o.SetOptionMeta(*spec.Option); err != nil {
			return nil, err
		}
	}
	return o, nil
}
