package container

import (
	"strings"
	"testing"

	"github.com/mrmd-cloud/core/internal/clients"
)

func TestEditorName(t *testing.T) {
	if got := EditorName("0123456789abcdef"); got != "editor-01234567" {
		t.Fatalf("name = %q", got)
	}
	if got := EditorName("u1"); got != "editor-u1" {
		t.Fatalf("short id name = %q", got)
	}
}

func TestEditorArgsShape(t *testing.T) {
	user := &clients.User{
		ID: "11111111-2222-3333-4444-555555555555",
		Name: "Ada", Username: "ada", Email: "ada@example.com", Plan: "pro",
	}
	args := EditorArgs(user, 21000, 9100, "mrmd-editor:latest", "/data/users/ada")

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--replace",
		"--restart=on-failure:5",
		"--network=host",
		"--memory=512m",
		"-v /data/users/ada:/home/ubuntu",
		"-e RUNTIME_PORT=9100",
		"-e PORT=21000",
		"-e BASE_PATH=/u/11111111-2222-3333-4444-555555555555/",
		"-e CLOUD_USER_PLAN=pro",
		"mrmd-editor:latest node /app/mrmd-server/bin/cli.js --port 21000 --host 0.0.0.0 --no-auth /home/ubuntu",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("argv missing %q:\n%s", want, joined)
		}
	}
	if args[0] != "run" || args[1] != "-d" {
		t.Fatalf("argv prefix = %v", args[:2])
	}
	// no user-controlled string is ever interpolated into a shell line;
	// every value must be its own argv element
	for _, a := range args {
		if strings.ContainsAny(a, ";|&$`") {
			t.Fatalf("suspicious argv element %q", a)
		}
	}
}

func TestParseEnvPairs(t *testing.T) {
	env := ParseEnvPairs([]string{"PORT=21000", "CLOUD_USER_ID=u1", "EMPTY=", "MALFORMED"})
	if env["PORT"] != "21000" || env["CLOUD_USER_ID"] != "u1" {
		t.Fatalf("env = %v", env)
	}
	if _, ok := env["MALFORMED"]; ok {
		t.Fatal("malformed pair should be dropped")
	}
	if v, ok := env["EMPTY"]; !ok || v != "" {
		t.Fatal("empty value should be kept")
	}
}
