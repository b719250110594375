package isolate

import (
	"reflect"
	"testing"
)

func ptrInt64(v int64) *int64 { return &v }
func ptrInt(v int) *int       { return &v }
func ptrFloat(v float64) *float64 { return &v }

func TestBuildOptionArgs_MemMapsToCgMem(t *testing.T) {
	args := buildOptionArgs(OptionSet{Mem: ptrInt64(262144), Processes: ptrInt(1)})
	if !contains(args, "--cg-mem=262144") {
		t.Errorf("expected mem to map to --cg-mem, got %v", args)
	}
	if contains(args, "--mem=262144") {
		t.Errorf("mem must not also emit --mem, got %v", args)
	}
}

func TestBuildOptionArgs_VirtMemMapsToMem(t *testing.T) {
	args := buildOptionArgs(OptionSet{VirtMem: ptrInt64(524288), Processes: ptrInt(1)})
	if !contains(args, "--mem=524288") {
		t.Errorf("expected virt-mem to map to --mem, got %v", args)
	}
}

func TestBuildOptionArgs_OmittedProcessesRequestsUnlimited(t *testing.T) {
	args := buildOptionArgs(OptionSet{})
	if !contains(args, "--processes") {
		t.Errorf("expected omitted Processes to request the unlimited flag, got %v", args)
	}
	for _, a := range args {
		if a == "--processes=" {
			t.Errorf("bare --processes must not carry a value, got %v", args)
		}
	}
}

func TestBuildOptionArgs_ExplicitProcessesCarriesValue(t *testing.T) {
	args := buildOptionArgs(OptionSet{Processes: ptrInt(4)})
	if !contains(args, "--processes=4") {
		t.Errorf("expected explicit Processes to carry its value, got %v", args)
	}
}

func TestBuildOptionArgs_IdentityMappedKeys(t *testing.T) {
	args := buildOptionArgs(OptionSet{
		Time:      ptrFloat(2.5),
		WallTime:  ptrFloat(5),
		ExtraTime: ptrFloat(1),
		Stack:     ptrInt64(65536),
		FSize:     ptrInt64(1024),
		Quota:     ptrInt64(16384),
		Processes: ptrInt(1),
	})

	want := []string{
		"--time=2.5",
		"--wall-time=5",
		"--extra-time=1",
		"--stack=65536",
		"--fsize=1024",
		"--quota=16384",
		"--processes=1",
	}
	for _, w := range want {
		if !contains(args, w) {
			t.Errorf("expected %q in args, got %v", w, args)
		}
	}
}

func TestBuildOptionArgs_OmittedKeysProduceNoFlag(t *testing.T) {
	args := buildOptionArgs(OptionSet{Processes: ptrInt(1)})
	if !reflect.DeepEqual(args, []string{"--processes=1"}) {
		t.Errorf("expected only the processes flag when everything else is omitted, got %v", args)
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
