package instrument

import (
	"errors"
	"testing"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

func TestParseList(t *testing.T) {
	r, err := ParseList("PROP-NYC-1=Hudson Yards Loft, PROP-LIS-7 ,,")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[1].ID != "PROP-NYC-1" || list[1].Name != "Hudson Yards Loft" {
		t.Errorf("list[1] = %+v", list[1])
	}
	if _, err := ParseList("A,A"); err == nil {
		t.Error("expected duplicate registration error")
	}
}

func TestCheckAdmission(t *testing.T) {
	open := NewRegistry()
	if err := open.CheckAdmission("ANY"); err != nil {
		t.Errorf("open registry rejected instrument: %v", err)
	}

	r, _ := ParseList("PROP-1,PROP-2")
	if err := r.SetStatus("PROP-2", Halted); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"trading", "PROP-1", false},
		{"halted", "PROP-2", true},
		{"unlisted", "PROP-3", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.CheckAdmission(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckAdmission(%s) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, core.ErrInstrumentNotTradable) {
				t.Errorf("error %v does not wrap ErrInstrumentNotTradable", err)
			}
		})
	}

	if r.Matchable("PROP-2") {
		t.Error("halted instrument should not be matchable")
	}
	if !r.Matchable("PROP-9") {
		t.Error("unlisted instrument should drain through matching")
	}
}

func TestSetStatusTerminal(t *testing.T) {
	r, _ := ParseList("PROP-1")
	if err := r.SetStatus("PROP-1", Delisted); err != nil {
		t.Fatalf("delist: %v", err)
	}
	if err := r.SetStatus("PROP-1", Trading); err == nil {
		t.Error("expected error leaving Delisted")
	}
	if err := r.SetStatus("NOPE", Halted); err == nil {
		t.Error("expected not found error")
	}
}
