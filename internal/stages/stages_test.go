package stages

import (
	"errors"
	"testing"
)

func TestDescribe_ProgressStrictlyIncreasing(t *testing.T) {
	prev := -1
	for _, s := range sequence {
		info, err := Describe(s)
		if err != nil {
			t.Fatalf("Describe(%s) failed: %v", s, err)
		}
		if info.Progress <= prev {
			t.Errorf("Progress for %s = %d, want > %d", s, info.Progress, prev)
		}
		if info.Description == "" {
			t.Errorf("Description for %s is empty", s)
		}
		prev = info.Progress
	}

	if prev != 100 {
		t.Errorf("Final progress = %d, want 100", prev)
	}
}

func TestDescribe_Error(t *testing.T) {
	info, err := Describe(Error)
	if err != nil {
		t.Fatalf("Describe(error) failed: %v", err)
	}
	if info.Progress != 0 {
		t.Errorf("Error progress = %d, want 0", info.Progress)
	}
}

func TestDescribe_Unknown(t *testing.T) {
	_, err := Describe(Stage("upscaling"))
	if !errors.Is(err, ErrUnknownStage) {
		t.Errorf("Describe(unknown) error = %v, want ErrUnknownStage", err)
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		from   Stage
		want   Stage
		wantOK bool
	}{
		{Initializing, Validating, true},
		{Validating, LoadingInput, true},
		{LoadingInput, PreparingResource, true},
		{PreparingResource, Preprocessing, true},
		{Preprocessing, Processing, true},
		{Processing, Postprocessing, true},
		{Postprocessing, Encoding, true},
		{Encoding, Completed, true},
		{Completed, "", false},
		{Error, "", false},
		{Stage("bogus"), "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			got, ok := tt.from.Next()
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Next(%s) = (%s, %v), want (%s, %v)", tt.from, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range All() {
		want := s == Completed || s == Error
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("preparing_resource")
	if err != nil || s != PreparingResource {
		t.Errorf("Parse(preparing_resource) = (%s, %v)", s, err)
	}

	if _, err := Parse("PREPARING_RESOURCE"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("Parse(upper case) error = %v, want ErrUnknownStage", err)
	}
}

func TestAll(t *testing.T) {
	all := All()
	if len(all) != 10 {
		t.Fatalf("len(All()) = %d, want 10", len(all))
	}
	if all[0] != Initializing || all[8] != Completed || all[9] != Error {
		t.Errorf("All() order = %v", all)
	}
	if Count() != 9 {
		t.Errorf("Count() = %d, want 9", Count())
	}
}
