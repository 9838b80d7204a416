package money

import "testing"

func TestParseStrictFormat(t *testing.T) {
	valid := []string{"0.00", "0.01", "100.00", "1234567890.99"}
	for _, s := range valid {
		if _, err := Parse(s); err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", s, err)
		}
	}

	invalid := []string{
		"", "100", "100.0", "100.000", ".50", "100.", "-1.00",
		"1,00", "1.0a", "0x10.00", " 100.00", "100.00 ", "+1.00",
	}
	for _, s := range invalid {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", s)
		}
	}
}

func TestValidRequiresPositive(t *testing.T) {
	if Valid("0.00") {
		t.Error("zero amount should not be valid")
	}
	if !Valid("0.01") {
		t.Error("0.01 should be valid")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "0.05", "12.34", "100.00"} {
		c, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := Format(c); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}

func TestAdd(t *testing.T) {
	got, err := Add("100.00", "50.00")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got != "150.00" {
		t.Errorf("Add = %q, want 150.00", got)
	}
}

func TestSplitsTotal(t *testing.T) {
	ok, err := SplitsTotal("60.00", "40.00", "100.00")
	if err != nil || !ok {
		t.Errorf("60+40 should equal 100 (ok=%v err=%v)", ok, err)
	}
	ok, err = SplitsTotal("60.00", "40.01", "100.00")
	if err != nil || ok {
		t.Errorf("60+40.01 should not equal 100 (ok=%v err=%v)", ok, err)
	}
}

func TestCmp(t *testing.T) {
	c, err := Cmp("30.00", "50.00")
	if err != nil || c != -1 {
		t.Errorf("Cmp(30,50) = %d, %v", c, err)
	}
	c, _ = Cmp("50.00", "50.00")
	if c != 0 {
		t.Errorf("Cmp equal = %d", c)
	}
}
