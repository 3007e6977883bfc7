package topo

import (
	"strings"
	"testing"
)

func TestShellBackend_ShellWrap_DefaultUsesShell(t *testing.T) {
	n := &Node{Name: "h1", Cmd: "echo hi"}
	b := newShellBackend("run-1", n)

	argv := b.shellWrap("echo hi")
	if len(argv) != 3 || argv[1] != "-c" || argv[2] != "echo hi" {
		t.Errorf("expected shell wrap [shell, -c, cmd], got %v", argv)
	}
}

func TestShellBackend_ShellWrap_FalseSplitsWords(t *testing.T) {
	n := &Node{Name: "h1", Shell: &StringOrBool{Bool: false}}
	b := newShellBackend("run-1", n)

	argv := b.shellWrap("ip link set eth0 up")
	want := []string{"ip", "link", "set", "eth0", "up"}
	if len(argv) != len(want) {
		t.Fatalf("expected %d words, got %v", len(want), argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestShellBackend_ShellWrap_PathUsesExplicitShell(t *testing.T) {
	n := &Node{Name: "h1", Shell: &StringOrBool{IsPath: true, Path: "/bin/zsh"}}
	b := newShellBackend("run-1", n)

	argv := b.shellWrap("echo hi")
	want := []string{"/bin/zsh", "-c", "echo hi"}
	if len(argv) != len(want) {
		t.Fatalf("expected %d args, got %v", len(want), argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestWrapInit_NilLeavesArgvUntouched(t *testing.T) {
	argv := wrapInit(nil, []string{"echo", "hi"})
	if len(argv) != 2 || argv[0] != "echo" {
		t.Errorf("expected argv untouched, got %v", argv)
	}
}

func TestWrapInit_FalseLeavesArgvUntouched(t *testing.T) {
	argv := wrapInit(&StringOrBool{Bool: false}, []string{"echo", "hi"})
	if len(argv) != 2 || argv[0] != "echo" {
		t.Errorf("expected argv untouched, got %v", argv)
	}
}

func TestWrapInit_TrueUsesTini(t *testing.T) {
	argv := wrapInit(&StringOrBool{Bool: true}, []string{"echo", "hi"})
	want := []string{"tini", "--", "echo", "hi"}
	if len(argv) != len(want) {
		t.Fatalf("expected %d args, got %v", len(want), argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestWrapInit_PathUsesExplicitInit(t *testing.T) {
	argv := wrapInit(&StringOrBool{IsPath: true, Path: "/sbin/my-init"}, []string{"echo", "hi"})
	want := []string{"/sbin/my-init", "--", "echo", "hi"}
	if len(argv) != len(want) {
		t.Fatalf("expected %d args, got %v", len(want), argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestShellBackend_NsenterCommand_IncludesNamespaceFlags(t *testing.T) {
	n := &Node{Name: "h1"}
	b := newShellBackend("run-1", n)
	b.ns = &NodeNamespace{NetPath: "/var/run/netns/run-1-h1", MountNS: "/var/run/munet/run-1/mnt/h1"}

	cmd := b.nsenterCommand([]string{"echo", "hi"})
	argStr := strings.Join(cmd.Args, " ")
	if !strings.Contains(argStr, "--net=/var/run/netns/run-1-h1") {
		t.Errorf("expected --net flag, got %q", argStr)
	}
	if !strings.Contains(argStr, "--mount=/var/run/munet/run-1/mnt/h1") {
		t.Errorf("expected --mount flag, got %q", argStr)
	}
	if !strings.Contains(argStr, "--uts") {
		t.Errorf("expected --uts flag, got %q", argStr)
	}
	if !strings.HasSuffix(argStr, "echo hi") {
		t.Errorf("expected argv appended at the end, got %q", argStr)
	}
}

func TestEnvStrings_FormatsNameEqualsValue(t *testing.T) {
	vars := []EnvVar{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}
	got := envStrings(vars)
	want := []string{"A=1", "B=2"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envStrings[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunDir_DefaultsUnderVarRunMunet(t *testing.T) {
	got := RunDir("run-1")
	if !strings.HasPrefix(got, "/var/run/munet") || !strings.HasSuffix(got, "run-1") {
		t.Errorf("RunDir(run-1) = %q", got)
	}
}
