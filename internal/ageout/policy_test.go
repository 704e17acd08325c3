package ageout

import (
	"testing"

	"github.com/flowcore-project/flowcore/internal/indicator"
)

func TestParseExpression(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Expression
		wantErr bool
	}{
		{name: "bare seconds", in: "3600", want: Expression{Base: BaseFirstSeen, OffsetMS: 3600_000}},
		{name: "days with default base", in: "30d", want: Expression{Base: BaseFirstSeen, OffsetMS: 30 * 24 * 3600_000}},
		{name: "last_seen hours", in: "last_seen+2h", want: Expression{Base: BaseLastSeen, OffsetMS: 2 * 3600_000}},
		{name: "first_seen minutes", in: "first_seen+15m", want: Expression{Base: BaseFirstSeen, OffsetMS: 15 * 60_000}},
		{name: "unknown base", in: "bogus+1d", wantErr: true},
		{name: "empty", in: "", wantErr: true},
		{name: "bad number", in: "xh", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExpression(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseExpression(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseExpression(%q) unexpected error: %v", tt.in, err)
			}
			if *got != tt.want {
				t.Errorf("ParseExpression(%q) = %+v, want %+v", tt.in, *got, tt.want)
			}
		})
	}
}

func TestExpressionEvaluate(t *testing.T) {
	rec := &indicator.Record{FirstSeen: 1000, LastSeen: 5000}

	var nilExpr *Expression
	if got := nilExpr.Evaluate(rec); got != indicator.MaxAgeOut {
		t.Errorf("nil expression = %d, want MaxAgeOut", got)
	}

	first := &Expression{Base: BaseFirstSeen, OffsetMS: 500}
	if got, want := first.Evaluate(rec), int64(1500); got != want {
		t.Errorf("first_seen+500ms = %d, want %d", got, want)
	}

	last := &Expression{Base: BaseLastSeen, OffsetMS: 500}
	if got, want := last.Evaluate(rec), int64(5500); got != want {
		t.Errorf("last_seen+500ms = %d, want %d", got, want)
	}
}

func TestPolicyAgeOutFor(t *testing.T) {
	def, err := ParseExpression("first_seen+10d")
	if err != nil {
		t.Fatalf("parse default: %v", err)
	}
	override, err := ParseExpression("last_seen+1h")
	if err != nil {
		t.Fatalf("parse override: %v", err)
	}
	p := New(Config{
		Interval: 60,
		Default:  def,
		Types:    map[string]*Expression{"IPv4": override},
	})

	ipRec := &indicator.Record{Type: "IPv4", FirstSeen: 0, LastSeen: 1000}
	if got, want := p.AgeOutFor(ipRec), int64(1000+3600_000); got != want {
		t.Errorf("IPv4 override = %d, want %d", got, want)
	}

	urlRec := &indicator.Record{Type: "URL", FirstSeen: 0, LastSeen: 1000}
	if got, want := p.AgeOutFor(urlRec), int64(10*24*3600_000); got != want {
		t.Errorf("URL default = %d, want %d", got, want)
	}

	if p.Interval().Seconds() != 60 {
		t.Errorf("Interval() = %v, want 60s", p.Interval())
	}
}

func TestPolicyNilDefaultNeverAgesOut(t *testing.T) {
	p := New(Config{Interval: 60})
	rec := &indicator.Record{Type: "domain", FirstSeen: 0}
	if got := p.AgeOutFor(rec); got != indicator.MaxAgeOut {
		t.Errorf("nil default = %d, want MaxAgeOut", got)
	}
}
