package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"backtest/internal/bar"
	"backtest/internal/broker"
	"backtest/internal/commission"
	"backtest/internal/fill"
	"backtest/internal/instrument"
	"backtest/internal/obs"
	"backtest/internal/order"
	"backtest/internal/risk"
	"backtest/pkg/exception"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Broker      BrokerConfig       `json:"broker"`
	Instruments []InstrumentConfig `json:"instruments"`
	Risk        *risk.Config       `json:"risk"`
	Scenario    ScenarioConfig     `json:"scenario"`
}

// BrokerConfig describes the simulated broker.
type BrokerConfig struct {
	Cash              float64          `json:"cash"`
	AllowNegativeCash bool             `json:"allowNegativeCash"`
	UseAdjustedValues bool             `json:"useAdjustedValues"`
	Commission        CommissionConfig `json:"commission"`
	Fill              FillConfig       `json:"fill"`
}

// CommissionConfig selects a commission model: none, fixed or percentage.
type CommissionConfig struct {
	Type   string  `json:"type"`
	Amount float64 `json:"amount"`
	Rate   float64 `json:"rate"`
}

// FillConfig configures the default fill strategy. A nil volume limit
// means the default one, zero disables the cap.
type FillConfig struct {
	VolumeLimit *float64       `json:"volumeLimit"`
	Slippage    SlippageConfig `json:"slippage"`
}

// SlippageConfig selects a slippage model: none or volume-share.
type SlippageConfig struct {
	Type        string   `json:"type"`
	PriceImpact *float64 `json:"priceImpact"`
}

// InstrumentConfig declares quantity rounding for an instrument. Without
// decimals the instrument trades whole units.
type InstrumentConfig struct {
	Name     string `json:"name"`
	Decimals *int   `json:"decimals"`
}

// ScenarioConfig is the replayed market data and the scripted orders.
type ScenarioConfig struct {
	Name      string                 `json:"name"`
	Frequency string                 `json:"frequency"`
	Bars      map[string][]BarConfig `json:"bars"`
	Orders    []OrderConfig          `json:"orders"`
}

// BarConfig is one OHLCV bar.
type BarConfig struct {
	DateTime time.Time `json:"dateTime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	AdjClose float64   `json:"adjClose"`
}

// OrderConfig is an order submitted after the bar set with index Bar has
// been dispatched. A negative index submits it before the first bar.
type OrderConfig struct {
	Bar              int           `json:"bar"`
	Instrument       string        `json:"instrument"`
	Type             string        `json:"type"`
	Action           string        `json:"action"`
	Quantity         float64       `json:"quantity"`
	LimitPrice       float64       `json:"limitPrice"`
	StopPrice        float64       `json:"stopPrice"`
	OnClose          bool          `json:"onClose"`
	GoodTillCanceled bool          `json:"goodTillCanceled"`
	AllOrNone        bool          `json:"allOrNone"`
	Option           *OptionConfig `json:"option"`
}

// OptionConfig turns a scripted order into an option order.
type OptionConfig struct {
	Right  string    `json:"right"`
	Strike float64   `json:"strike"`
	Expiry time.Time `json:"expiry"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Broker      BrokerSpec
	Instruments *instrument.Registry
	Risk        *risk.Config
	Scenario    ScenarioSpec
}

// BrokerSpec is the validated broker configuration.
type BrokerSpec struct {
	Cash              float64
	AllowNegativeCash bool
	UseAdjustedValues bool
	Commission        commission.Model
	VolumeLimit       float64
	Slippage          fill.SlippageModel
}

// ScenarioSpec is the validated scenario.
type ScenarioSpec struct {
	Name      string
	Frequency bar.Frequency
	Series    map[string][]bar.Bar
	Orders    []OrderSpec
	BarCount  int
}

// OrderSpec is a resolved scripted order.
type OrderSpec struct {
	Bar              int
	Instrument       string
	Type             order.Type
	Action           order.Action
	Quantity         float64
	LimitPrice       float64
	StopPrice        float64
	OnClose          bool
	GoodTillCanceled bool
	AllOrNone        bool
	Option           *order.OptionMeta
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse resolves a JSON config document.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := sonic.ConfigStd.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config")
	}
	return Resolve(cfg)
}

// Resolve validates a decoded config.
func Resolve(cfg FileConfig) (Loaded, error) {
	brokerSpec, err := resolveBroker(cfg.Broker)
	if err != nil {
		return Loaded{}, err
	}
	registry, err := buildRegistry(cfg.Instruments)
	if err != nil {
		return Loaded{}, err
	}
	scenario, err := resolveScenario(cfg.Scenario)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{
		Broker:      brokerSpec,
		Instruments: registry,
		Risk:        cfg.Risk,
		Scenario:    scenario,
	}, nil
}

// BrokerConfig builds a broker config with a fresh fill strategy and risk
// engine, so each run starts from a clean state.
func (l Loaded) BrokerConfig(metrics *obs.Metrics) (broker.Config, error) {
	strategy, err := fill.NewDefaultStrategy(l.Broker.VolumeLimit)
	if err != nil {
		return broker.Config{}, err
	}
	strategy.SetSlippageModel(l.Broker.Slippage)

	cfg := broker.Config{
		Cash:              l.Broker.Cash,
		AllowNegativeCash: l.Broker.AllowNegativeCash,
		UseAdjustedValues: l.Broker.UseAdjustedValues,
		Commission:        l.Broker.Commission,
		FillStrategy:      strategy,
		Instruments:       l.Instruments,
		Metrics:           metrics,
	}
	if l.Risk != nil {
		cfg.Risk = risk.NewEngine(*l.Risk)
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", exception.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func resolveBroker(cfg BrokerConfig) (BrokerSpec, error) {
	if cfg.Cash < 0 || math.IsNaN(cfg.Cash) {
		return BrokerSpec{}, invalid("broker cash must be >= 0")
	}

	spec := BrokerSpec{
		Cash:              cfg.Cash,
		AllowNegativeCash: cfg.AllowNegativeCash,
		UseAdjustedValues: cfg.UseAdjustedValues,
		VolumeLimit:       fill.DefaultVolumeLimit,
		Slippage:          fill.NoSlippage{},
	}

	switch strings.ToLower(cfg.Commission.Type) {
	case "", "none":
		spec.Commission = commission.NoCommission{}
	case "fixed":
		m, err := commission.NewFixedPerTrade(cfg.Commission.Amount)
		if err != nil {
			return BrokerSpec{}, err
		}
		spec.Commission = m
	case "percentage":
		m, err := commission.NewTradePercentage(cfg.Commission.Rate)
		if err != nil {
			return BrokerSpec{}, err
		}
		spec.Commission = m
	default:
		return BrokerSpec{}, invalid("unknown commission type: %s", cfg.Commission.Type)
	}

	if cfg.Fill.VolumeLimit != nil {
		spec.VolumeLimit = *cfg.Fill.VolumeLimit
	}
	if _, err := fill.NewDefaultStrategy(spec.VolumeLimit); err != nil {
		return BrokerSpec{}, err
	}

	switch strings.ToLower(cfg.Fill.Slippage.Type) {
	case "", "none":
	case "volume-share":
		impact := fill.DefaultPriceImpact
		if cfg.Fill.Slippage.PriceImpact != nil {
			impact = *cfg.Fill.Slippage.PriceImpact
		}
		m, err := fill.NewVolumeShareSlippage(impact)
		if err != nil {
			return BrokerSpec{}, err
		}
		spec.Slippage = m
	default:
		return BrokerSpec{}, invalid("unknown slippage type: %s", cfg.Fill.Slippage.Type)
	}
	return spec, nil
}

func buildRegistry(cfg []InstrumentConfig) (*instrument.Registry, error) {
	reg := instrument.NewRegistry()
	for _, inst := range cfg {
		var traits instrument.Traits = instrument.IntegerTraits{}
		if inst.Decimals != nil {
			if *inst.Decimals < 0 {
				return nil, invalid("decimals of %s must be >= 0", inst.Name)
			}
			traits = instrument.DecimalTraits{Decimals: *inst.Decimals}
		}
		if err := reg.Add(inst.Name, traits); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func resolveScenario(cfg ScenarioConfig) (ScenarioSpec, error) {
	freqName := cfg.Frequency
	if freqName == "" {
		freqName = bar.FrequencyDay.String()
	}
	freq, ok := bar.ParseFrequency(strings.ToLower(freqName))
	if !ok {
		return ScenarioSpec{}, invalid("unknown frequency: %s", cfg.Frequency)
	}

	series := make(map[string][]bar.Bar, len(cfg.Bars))
	dateTimes := make(map[int64]struct{})
	for name, bars := range cfg.Bars {
		if name == "" {
			return ScenarioSpec{}, invalid("bars with empty instrument")
		}
		resolved := make([]bar.Bar, 0, len(bars))
		for i, b := range bars {
			if err := validateBar(b); err != nil {
				return ScenarioSpec{}, invalid("bar %d of %s: %v", i, name, err)
			}
			resolved = append(resolved, bar.Bar{
				DateTime:  b.DateTime,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
				AdjClose:  b.AdjClose,
				Frequency: freq,
			})
			dateTimes[b.DateTime.UnixNano()] = struct{}{}
		}
		series[name] = resolved
	}

	orders := make([]OrderSpec, 0, len(cfg.Orders))
	for i, o := range cfg.Orders {
		spec, err := resolveOrder(o)
		if err != nil {
			return ScenarioSpec{}, fmt.Errorf("order %d: %w", i, err)
		}
		if spec.Bar >= len(dateTimes) {
			return ScenarioSpec{}, invalid("order %d submitted after bar %d, only %d bar sets", i, spec.Bar, len(dateTimes))
		}
		orders = append(orders, spec)
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Bar < orders[j].Bar })

	return ScenarioSpec{
		Name:      cfg.Name,
		Frequency: freq,
		Series:    series,
		Orders:    orders,
		BarCount:  len(dateTimes),
	}, nil
}

func validateBar(b BarConfig) error {
	if b.DateTime.IsZero() {
		return fmt.Errorf("missing date time")
	}
	if b.Low > b.High || b.Open < b.Low || b.Open > b.High || b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("inconsistent OHLC %v/%v/%v/%v", b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume < 0 || b.AdjClose < 0 {
		return fmt.Errorf("volume and adjusted close must be >= 0")
	}
	return nil
}

func resolveOrder(cfg OrderConfig) (OrderSpec, error) {
	if cfg.Instrument == "" {
		return OrderSpec{}, invalid("order instrument is empty")
	}
	action, ok := order.ParseAction(strings.ToLower(cfg.Action))
	if !ok {
		return OrderSpec{}, invalid("unknown order action: %s", cfg.Action)
	}
	typ, ok := order.ParseType(strings.ToLower(cfg.Type))
	if !ok {
		return OrderSpec{}, invalid("unknown order type: %s", cfg.Type)
	}
	if cfg.Quantity <= 0 {
		return OrderSpec{}, invalid("order quantity must be > 0")
	}
	if (typ == order.TypeLimit || typ == order.TypeStopLimit) && cfg.LimitPrice <= 0 {
		return OrderSpec{}, invalid("limit price must be > 0 for %s orders", typ)
	}
	if (typ == order.TypeStop || typ == order.TypeStopLimit) && cfg.StopPrice <= 0 {
		return OrderSpec{}, invalid("stop price must be > 0 for %s orders", typ)
	}
	if cfg.OnClose && typ != order.TypeMarket {
		return OrderSpec{}, invalid("onClose is only valid for market orders")
	}

	spec := OrderSpec{
		Bar:              cfg.Bar,
		Instrument:       cfg.Instrument,
		Type:             typ,
		Action:           action,
		Quantity:         cfg.Quantity,
		LimitPrice:       cfg.LimitPrice,
		StopPrice:        cfg.StopPrice,
		OnClose:          cfg.OnClose,
		GoodTillCanceled: cfg.GoodTillCanceled,
		AllOrNone:        cfg.AllOrNone,
	}
	if spec.Bar < 0 {
		spec.Bar = -1
	}
	if cfg.Option != nil {
		right, ok := order.ParseRight(strings.ToLower(cfg.Option.Right))
		if !ok {
			return OrderSpec{}, invalid("unknown option right: %s", cfg.Option.Right)
		}
		spec.Option = &order.OptionMeta{Right: right, Strike: cfg.Option.Strike, Expiry: cfg.Option.Expiry}
	}
	return spec, nil
}
