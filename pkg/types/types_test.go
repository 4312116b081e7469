package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"09:15:00", TimeOfDay{Hour: 9, Minute: 15}, false},
		{"15:30", TimeOfDay{Hour: 15, Minute: 30}, false},
		{"00:00:00", TimeOfDay{}, false},
		{"23:59:59", TimeOfDay{Hour: 23, Minute: 59, Second: 59}, false},
		{"24:00:00", TimeOfDay{}, true},
		{"12:60", TimeOfDay{}, true},
		{"09:15:75", TimeOfDay{}, true},
		{"-1:00", TimeOfDay{}, true},
		{"not-a-time", TimeOfDay{}, true},
		{"", TimeOfDay{}, true},
	}

	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimeOfDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestTimeOfDayRoundTrip(t *testing.T) {
	t.Parallel()

	tod := TimeOfDay{Hour: 9, Minute: 15, Second: 30}
	if got := tod.String(); got != "09:15:30" {
		t.Errorf("String() = %q, want %q", got, "09:15:30")
	}

	var parsed TimeOfDay
	if err := parsed.UnmarshalText([]byte(tod.String())); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if parsed != tod {
		t.Errorf("round trip = %+v, want %+v", parsed, tod)
	}
}

func TestTimeOfDayOn(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 5*3600+1800)
	ref := time.Date(2026, 8, 24, 11, 42, 7, 0, loc)
	got := TimeOfDay{Hour: 9, Minute: 15}.On(ref)
	want := time.Date(2026, 8, 24, 9, 15, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("On(%v) = %v, want %v", ref, got, want)
	}

	if !(TimeOfDay{Hour: 9, Minute: 15}).Before(TimeOfDay{Hour: 9, Minute: 15, Second: 1}) {
		t.Error("09:15:00 not before 09:15:01")
	}
	if (TimeOfDay{Hour: 9, Minute: 15}).Before(TimeOfDay{Hour: 9, Minute: 15}) {
		t.Error("Before is not strict")
	}
}

func TestStrategyConfigValidate(t *testing.T) {
	t.Parallel()

	valid := StrategyConfig{
		Symbol:   "INFY",
		Broker:   "kite",
		BuyTime:  TimeOfDay{Hour: 9, Minute: 30},
		SellTime: TimeOfDay{Hour: 15, Minute: 15},
		StopLoss: decimal.RequireFromString("1500.00"),
		Quantity: 10,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*StrategyConfig)
	}{
		{"missing symbol", func(c *StrategyConfig) { c.Symbol = "" }},
		{"missing broker", func(c *StrategyConfig) { c.Broker = "" }},
		{"zero quantity", func(c *StrategyConfig) { c.Quantity = 0 }},
		{"negative quantity", func(c *StrategyConfig) { c.Quantity = -1 }},
		{"zero stop loss", func(c *StrategyConfig) { c.StopLoss = decimal.Zero }},
		{"sell before buy", func(c *StrategyConfig) { c.SellTime = TimeOfDay{Hour: 9} }},
		{"buy equals sell", func(c *StrategyConfig) { c.SellTime = c.BuyTime }},
	}
	for _, tt := range tests {
		cfg := valid
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: config accepted", tt.name)
		}
	}
}

func TestLifecycleIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		l    Lifecycle
		want bool
	}{
		{LifecycleCreated, false},
		{LifecycleReady, false},
		{LifecycleRunning, false},
		{LifecycleBought, false},
		{LifecycleSold, true},
		{LifecycleExitedSL, true},
		{LifecycleStopped, true},
		{LifecycleFailed, true},
	}
	for _, tt := range tests {
		if got := tt.l.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.l, got, tt.want)
		}
	}
}

func TestEventRecordEffectiveKind(t *testing.T) {
	t.Parallel()

	plain := EventRecord{Kind: EventBuy, StrategyID: "s1"}
	if got := plain.EffectiveKind(); got != EventBuy {
		t.Errorf("EffectiveKind() = %s, want BUY", got)
	}

	retry := EventRecord{Kind: EventRetry, OriginalKind: EventStopLoss, StrategyID: "s1"}
	if got := retry.EffectiveKind(); got != EventStopLoss {
		t.Errorf("EffectiveKind() = %s, want STOPLOSS", got)
	}

	// A RETRY dedupes against the intent it carries, not against RETRY.
	direct := EventRecord{Kind: EventStopLoss, StrategyID: "s1"}
	if retry.DedupKey() != direct.DedupKey() {
		t.Errorf("DedupKey() = %q vs %q, want equal", retry.DedupKey(), direct.DedupKey())
	}
	other := EventRecord{Kind: EventStopLoss, StrategyID: "s2"}
	if retry.DedupKey() == other.DedupKey() {
		t.Error("DedupKey collides across strategies")
	}
}

func TestBrokerErrorRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind BrokerErrorKind
		want bool
	}{
		{BrokerRejected, true},
		{BrokerTimeout, true},
		{BrokerNetwork, true},
		{BrokerRateLimited, true},
		{BrokerTokenInvalid, false},
	}
	for _, tt := range cases {
		if got := NewBrokerError(tt.kind, "x", "").Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestRoundPrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"1480.123456", "1480.1235"},
		{"1480.12344", "1480.1234"},
		{"1480", "1480"},
	}
	for _, tt := range tests {
		if got := RoundPrice(decimal.RequireFromString(tt.in)).String(); got != tt.want {
			t.Errorf("RoundPrice(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
