package main

import (
	"testing"

	"nfcdrv.dev/driver/st25r39"
)

func TestParseWakeup(t *testing.T) {
	conf, err := parseWakeup(200, "amplitude, capacitive", 3)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Period != st25r39.WakeupMs200 {
		t.Errorf("period %v, want %v", conf.Period, st25r39.WakeupMs200)
	}
	if conf.InductiveAmplitude == nil || conf.Capacitive == nil || conf.InductivePhase != nil {
		t.Fatalf("methods %+v", conf)
	}
	if d := conf.Capacitive.Delta; d != 3 {
		t.Errorf("delta %d, want 3", d)
	}
	if k := conf.InductiveAmplitude.Reference.Kind; k != st25r39.RefAutoAverage {
		t.Errorf("reference kind %v, want %v", k, st25r39.RefAutoAverage)
	}
}

func TestParseWakeupInvalid(t *testing.T) {
	tests := []struct {
		period  int
		methods string
		delta   uint
	}{
		{150, "amplitude", 2},
		{100, "sonar", 2},
		{100, "phase", 16},
		{100, "phase", 256},
	}
	for _, test := range tests {
		if _, err := parseWakeup(test.period, test.methods, test.delta); err == nil {
			t.Errorf("parseWakeup(%d, %q, %d) succeeded", test.period, test.methods, test.delta)
		}
	}
}
