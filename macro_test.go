package miltr

import (
	"reflect"
	"testing"
	"time"
)

func TestMacroBag(t *testing.T) {
	bag := NewMacroBag()
	bag.Set(MacroMTAFQDN, "mta.example.com")
	if got := bag.Get(MacroMTAFQDN); got != "mta.example.com" {
		t.Errorf("Get() = %q", got)
	}
	if _, ok := bag.GetEx(MacroQueueId); ok {
		t.Error("GetEx() found an unset macro")
	}
	cpy := bag.Copy()
	cpy.Set(MacroMTAFQDN, "other")
	if bag.Get(MacroMTAFQDN) != "mta.example.com" {
		t.Error("Copy() is not independent")
	}
}

func TestMacroBagDates(t *testing.T) {
	bag := NewMacroBag()
	date := time.Date(2023, time.April, 1, 10, 30, 0, 0, time.UTC)
	bag.SetCurrentDate(date)
	if got := bag.Get(MacroDateSecondsCurrent); got != "1680345000" {
		t.Errorf("current date seconds = %q", got)
	}
	if _, ok := bag.GetEx(MacroDateRFC822Origin); ok {
		t.Error("origin date without SetHeaderDate")
	}
	bag.SetHeaderDate(date)
	if got := bag.Get(MacroDateRFC822Origin); got == "" {
		t.Error("origin date empty after SetHeaderDate")
	}
}

func TestMacrosStagesInheritance(t *testing.T) {
	s := newMacroStages()
	s.SetStage(StageConnect, "j", "mta.example.com")
	s.SetStage(StageMail, "i", "A1B2")

	// a macro set at connect time is visible at later stages
	if v, stage := s.GetMacroEx("j"); v != "mta.example.com" || stage != StageConnect {
		t.Errorf("GetMacroEx(j) = %q at stage %d", v, stage)
	}
	if v, _ := s.GetMacroEx("i"); v != "A1B2" {
		t.Errorf("GetMacroEx(i) = %q", v)
	}
	if _, stage := s.GetMacroEx("nope"); stage != StageNotFoundMarker {
		t.Errorf("missing macro found at stage %d", stage)
	}

	// re-entering the mail stage drops mail data but keeps connect data
	s.DelStageAndAbove(StageMail)
	if _, stage := s.GetMacroEx("i"); stage != StageNotFoundMarker {
		t.Error("mail stage macro survived DelStageAndAbove(StageMail)")
	}
	if v, _ := s.GetMacroEx("j"); v != "mta.example.com" {
		t.Error("connect stage macro was dropped")
	}
}

func TestMacrosStagesEOHOrder(t *testing.T) {
	s := newMacroStages()
	s.SetStage(StageEOH, "x", "eoh")
	s.SetStage(StageEOM, "y", "eom")
	// the EOH stage comes before EOM in wire order
	s.DelStageAndAbove(StageEOH)
	if _, stage := s.GetMacroEx("x"); stage != StageNotFoundMarker {
		t.Error("EOH macro survived")
	}
	if _, stage := s.GetMacroEx("y"); stage != StageNotFoundMarker {
		t.Error("EOM macro survived DelStageAndAbove(StageEOH)")
	}
}

func TestMacroReader(t *testing.T) {
	s := newMacroStages()
	s.SetStage(StageConnect, "j", "mta.example.com")
	r := &macroReader{macrosStages: s}
	if v, ok := r.GetEx("j"); !ok || v != "mta.example.com" {
		t.Errorf("GetEx(j) = %q, %v", v, ok)
	}
	if v := r.Get("nope"); v != "" {
		t.Errorf("Get(nope) = %q", v)
	}
	var nilReader *macroReader
	if _, ok := nilReader.GetEx("j"); ok {
		t.Error("nil reader found a macro")
	}
}

func TestParseRequestedMacros(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"j {daemon_name}", []string{"j", "{daemon_name}"}},
		{"j,{daemon_name}", []string{"j", "{daemon_name}"}},
		{" j\t{daemon_name} , i ", []string{"j", "{daemon_name}", "i"}},
		{"", []string{}},
	}
	for _, tt := range tests {
		if got := parseRequestedMacros(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseRequestedMacros(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRemoveDuplicates(t *testing.T) {
	got := removeDuplicates([]string{"a", "b", "a", "c", "b"})
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("removeDuplicates() = %v", got)
	}
}
