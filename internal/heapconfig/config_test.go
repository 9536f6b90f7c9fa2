package heapconfig

import "testing"

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadRegionSize(t *testing.T) {
	c := Default()
	c.RegionSize = 3 * 1024

	if err := c.Validate(); err == nil {
		t.Fatal("expected error for non-power-of-two region size")
	}
}

func TestValidateRejectsThresholdOrdering(t *testing.T) {
	c := Default()
	c.LargeObjectThreshold = c.HumongousObjectThresh

	if err := c.Validate(); err == nil {
		t.Fatal("expected error when large-object-threshold >= humongous threshold")
	}
}

func TestNewAppliesOptions(t *testing.T) {
	c, err := New(WithRegionSize(512*1024), WithGCType(GCG1Like))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if c.RegionSize != 512*1024 {
		t.Errorf("RegionSize = %d, want %d", c.RegionSize, 512*1024)
	}

	if c.GCType != GCG1Like {
		t.Errorf("GCType = %s, want %s", c.GCType, GCG1Like)
	}
}

func TestSchemaVersionGate(t *testing.T) {
	if err := CheckSchemaVersion("1.2.0"); err != nil {
		t.Errorf("1.2.0 should satisfy %s: %v", CompiledSchemaConstraint, err)
	}

	if err := CheckSchemaVersion("2.0.0"); err == nil {
		t.Error("2.0.0 should not satisfy constraint")
	}

	if err := CheckSchemaVersion("not-a-version"); err == nil {
		t.Error("garbage version should fail")
	}
}
