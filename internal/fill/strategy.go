package fill

import (
	"fmt"
	"math"

	"github.com/yanun0323/logs"

	"backtest/internal/bar"
	"backtest/internal/obs"
	"backtest/internal/order"
	"backtest/pkg/exception"
)

// DefaultVolumeLimit is the share of a bar's volume orders may take.
const DefaultVolumeLimit = 0.25

// Broker is the part of the broker a fill strategy reads.
type Broker interface {
	UseAdjustedValues() bool
}

// Info is a fill candidate: the price and size an order would execute at.
type Info struct {
	Price    float64
	Quantity float64
}

// Strategy decides whether and how orders fill against a bar.
type Strategy interface {
	// OnBars is called before any order is processed for a new bar set.
	OnBars(b Broker, bars bar.Bars)
	// OnOrderFilled registers a committed fill. It must not change any
	// state when it returns an error.
	OnOrderFilled(b Broker, o *order.Order, info order.ExecutionInfo) error

	FillMarketOrder(b Broker, o *order.Order, br bar.Bar) (Info, bool)
	FillLimitOrder(b Broker, o *order.Order, br bar.Bar) (Info, bool)
	FillStopOrder(b Broker, o *order.Order, br bar.Bar) (Info, bool)
	FillStopLimitOrder(b Broker, o *order.Order, br bar.Bar) (Info, bool)
}

// Process dispatches o to the fill method matching its type.
func Process(s Strategy, b Broker, o *order.Order, br bar.Bar) (Info, bool) {
	switch o.Type() {
	case order.TypeMarket:
		return s.FillMarketOrder(b, o, br)
	case order.TypeLimit:
		return s.FillLimitOrder(b, o, br)
	case order.TypeStop:
		return s.FillStopOrder(b, o, br)
	case order.TypeStopLimit:
		return s.FillStopLimitOrder(b, o, br)
	default:
		return Info{}, false
	}
}

// DefaultStrategy fills orders against OHLC bars with an optional per-bar
// volume cap and a pluggable slippage model.
type DefaultStrategy struct {
	volumeLimit float64
	volumeLeft  map[string]float64
	volumeUsed  map[string]float64
	slippage    SlippageModel
	metrics     *obs.Metrics
}

// NewDefaultStrategy creates the strategy. A zero volumeLimit disables the
// volume cap, otherwise it must be in (0, 1].
func NewDefaultStrategy(volumeLimit float64) (*DefaultStrategy, error) {
	if math.IsNaN(volumeLimit) || volumeLimit < 0 || volumeLimit > 1 {
		return nil, fmt.Errorf("%w: %v", exception.ErrInvalidVolumeLimit, volumeLimit)
	}
	return &DefaultStrategy{
		volumeLimit: volumeLimit,
		volumeLeft:  make(map[string]float64),
		volumeUsed:  make(map[string]float64),
		slippage:    NoSlippage{},
	}, nil
}

// SetSlippageModel replaces the slippage model. nil restores NoSlippage.
func (s *DefaultStrategy) SetSlippageModel(m SlippageModel) {
	if m == nil {
		m = NoSlippage{}
	}
	s.slippage = m
}

// SlippageModel returns the active slippage model.
func (s *DefaultStrategy) SlippageModel() SlippageModel {
	return s.slippage
}

// SetMetrics attaches a metrics sink for no-fill outcomes.
func (s *DefaultStrategy) SetMetrics(m *obs.Metrics) {
	s.metrics = m
}

// VolumeLimit returns the configured cap, zero when disabled.
func (s *DefaultStrategy) VolumeLimit() float64 {
	return s.volumeLimit
}

// VolumeLeft returns the volume still available on the current bar.
func (s *DefaultStrategy) VolumeLeft(instrumentName string) float64 {
	return s.volumeLeft[instrumentName]
}

// VolumeUsed returns the volume consumed on the current bar.
func (s *DefaultStrategy) VolumeUsed(instrumentName string) float64 {
	return s.volumeUsed[instrumentName]
}

func (s *DefaultStrategy) capped() bool {
	return s.volumeLimit > 0
}

func (s *DefaultStrategy) OnBars(_ Broker, bars bar.Bars) {
	volumeLeft := make(map[string]float64, bars.Len())
	for _, name := range bars.Instruments() {
		br, _ := bars.Get(name)
		switch {
		case br.Frequency == bar.FrequencyTrade:
			volumeLeft[name] = br.Volume
		case s.capped():
			volumeLeft[name] = br.Volume * s.volumeLimit
		}
		s.volumeUsed[name] = 0
	}
	s.volumeLeft = volumeLeft
}

func (s *DefaultStrategy) OnOrderFilled(_ Broker, o *order.Order, info order.ExecutionInfo) error {
	traits := o.Traits()
	name := o.Instrument()
	if s.capped() {
		volumeLeft := traits.RoundQuantity(s.volumeLeft[name])
		if info.Quantity > volumeLeft {
			return fmt.Errorf("%w %v, not enough volume left %v",
				exception.ErrInvalidFillQuantity, info.Quantity, volumeLeft)
		}
		s.volumeLeft[name] = traits.RoundQuantity(volumeLeft - info.Quantity)
	}
	s.volumeUsed[name] = traits.RoundQuantity(s.volumeUsed[name] + info.Quantity)
	return nil
}

func (s *DefaultStrategy) fillSize(o *order.Order) float64 {
	remaining := o.Remaining()
	maxVolume := remaining
	if s.capped() {
		maxVolume = o.Traits().RoundQuantity(s.volumeLeft[o.Instrument()])
	}
	if !o.AllOrNone() {
		return math.Min(maxVolume, remaining)
	}
	if remaining <= maxVolume {
		return remaining
	}
	return 0
}

func (s *DefaultStrategy) noVolume(o *order.Order) {
	logs.Debugf("not enough volume to fill %s %s order [%d] for %v share/s",
		o.Instrument(), o.Type(), o.ID(), o.Remaining())
	s.metrics.IncNoFill(obs.NoFillInsufficientVolume)
}

func (s *DefaultStrategy) slip(o *order.Order, price, quantity float64, br bar.Bar) float64 {
	if br.Frequency == bar.FrequencyTrade {
		return price
	}
	return s.slippage.CalculatePrice(o, price, quantity, br, s.volumeUsed[o.Instrument()])
}

func (s *DefaultStrategy) FillMarketOrder(b Broker, o *order.Order, br bar.Bar) (Info, bool) {
	size := s.fillSize(o)
	if size == 0 {
		s.noVolume(o)
		return Info{}, false
	}

	adjusted := b.UseAdjustedValues()
	price := br.OpenPrice(adjusted)
	if o.FillOnClose() {
		price = br.ClosePrice(adjusted)
	}
	return Info{Price: s.slip(o, price, size, br), Quantity: size}, true
}

func (s *DefaultStrategy) FillLimitOrder(b Broker, o *order.Order, br bar.Bar) (Info, bool) {
	size := s.fillSize(o)
	if size == 0 {
		s.noVolume(o)
		return Info{}, false
	}

	price, ok := LimitTrigger(o.Action(), o.LimitPrice(), b.UseAdjustedValues(), br)
	if !ok {
		return Info{}, false
	}
	return Info{Price: price, Quantity: size}, true
}

func (s *DefaultStrategy) FillStopOrder(b Broker, o *order.Order, br bar.Bar) (Info, bool) {
	adjusted := b.UseAdjustedValues()
	stopPrice, triggered := s.checkStop(o, adjusted, br)
	if !o.StopHit() {
		return Info{}, false
	}

	size := s.fillSize(o)
	if size == 0 {
		s.noVolume(o)
		return Info{}, false
	}

	// Fill at the trigger price on the trigger bar, at the open afterwards.
	price := br.OpenPrice(adjusted)
	if triggered {
		price = stopPrice
	}
	return Info{Price: s.slip(o, price, size, br), Quantity: size}, true
}

func (s *DefaultStrategy) FillStopLimitOrder(b Broker, o *order.Order, br bar.Bar) (Info, bool) {
	adjusted := b.UseAdjustedValues()
	stopPrice, triggered := s.checkStop(o, adjusted, br)
	if !o.StopHit() {
		return Info{}, false
	}

	size := s.fillSize(o)
	if size == 0 {
		s.noVolume(o)
		return Info{}, false
	}

	price, ok := LimitTrigger(o.Action(), o.LimitPrice(), adjusted, br)
	if !ok {
		return Info{}, false
	}
	if triggered {
		if o.IsBuy() {
			price = math.Min(stopPrice, o.LimitPrice())
		} else {
			price = math.Max(stopPrice, o.LimitPrice())
		}
	}
	return Info{Price: price, Quantity: size}, true
}

// checkStop evaluates the stop trigger while the stop has not been hit and
// latches it on the order. triggered is true only on the trigger bar.
func (s *DefaultStrategy) checkStop(o *order.Order, adjusted bool, br bar.Bar) (float64, bool) {
	if o.StopHit() {
		return 0, false
	}
	price, ok := StopTrigger(o.Action(), o.StopPrice(), adjusted, br)
	if ok {
		o.MarkStopHit()
	}
	return price, ok
}
