//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const repoRootRel = ".."   // relative to ./e2e
const mainPkgRel = "./cmd" // main.go lives in cmd/

func TestSmoke_WritePipeline(t *testing.T) {
	repoRoot := repoRootPath(t)

	influxAddr := startInfluxDB(t)
	mqttHost, mqttPort := startMosquitto(t)

	bin := buildBinary(t, repoRoot)
	addr := pickFreeAddr(t)
	sqlitePath := filepath.Join(t.TempDir(), "stations.db")

	influxHost, influxPort, _ := strings.Cut(influxAddr, ":")

	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=info",
		"HTTP_ADDR="+addr,

		"INFLUXDB_HOST="+influxHost,
		"INFLUXDB_PORT="+influxPort,

		"MQTT_BROKER="+mqttHost,
		"MQTT_PORT="+mqttPort,

		"DB_DRIVER=sqlite3",
		"SQLITE_PATH="+sqlitePath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	client := &http.Client{Timeout: 2 * time.Second}
	baseURL := "http://" + addr

	waitForOK(t, client, baseURL+"/healthz", 10*time.Second)

	body := "feinstaub,station=E2E001 SDS011_P1=10,SDS011_P2=5,temperature=21.5,humidity=40"
	resp, err := client.Post(
		baseURL+"/write?db=e2e",
		"application/x-www-form-urlencoded",
		strings.NewReader(body),
	)
	if err != nil {
		t.Fatalf("POST /write: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("POST /write status=%d want=%d", resp.StatusCode, http.StatusNoContent)
	}

	stationsResp, err := client.Get(baseURL + "/api/v1/stations")
	if err != nil {
		t.Fatalf("GET /api/v1/stations: %v", err)
	}
	defer stationsResp.Body.Close()
	if stationsResp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/v1/stations status=%d want=%d", stationsResp.StatusCode, http.StatusOK)
	}
	var stations []struct {
		ID           string `json:"id"`
		MessageCount int    `json:"messageCount"`
	}
	if err := json.NewDecoder(stationsResp.Body).Decode(&stations); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(stations) != 1 || stations[0].ID != "E2E001" {
		t.Fatalf("stations=%+v want one entry for E2E001", stations)
	}
	if stations[0].MessageCount < 2 {
		t.Fatalf("message_count=%d want >= 2 (SDS011 and DHT22)", stations[0].MessageCount)
	}

	stopServer(t, cmd)
}

func startInfluxDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	port := nat.Port("8086/tcp")
	req := tc.ContainerRequest{
		Image:        "influxdb:1.8",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"INFLUXDB_HTTP_AUTH_ENABLED": "false",
		},
		WaitingFor: wait.ForListeningPort(port).WithStartupTimeout(60 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start influxdb container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("influxdb host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("influxdb mapped port: %v", err)
	}
	return net.JoinHostPort(host, mapped.Port())
}

func startMosquitto(t *testing.T) (host string, port string) {
	t.Helper()
	ctx := context.Background()

	mqttPort := nat.Port("1883/tcp")
	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{string(mqttPort)},
		// The stock 2.x image ships a no-auth config for exactly this use.
		Cmd:        []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor: wait.ForListeningPort(mqttPort).WithStartupTimeout(30 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err = c.Host(ctx)
	if err != nil {
		t.Fatalf("mosquitto host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, mqttPort)
	if err != nil {
		t.Fatalf("mosquitto mapped port: %v", err)
	}
	return host, mapped.Port()
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	tmp := t.TempDir()
	out := filepath.Join(tmp, "feinstaub-publisher")

	build := exec.Command("go", "build", "-o", out, mainPkgRel)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(b))
	}

	return out
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func waitForOK(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server not healthy after %s: %s", timeout, url)
}

func stopServer(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("server did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("server exited non-zero: %v", err)
			}
			t.Fatalf("server wait error: %v", err)
		}
	}
}
