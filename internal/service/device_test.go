package service

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/netsync/internal/domain/model"
	"github.com/bigkaa/netsync/internal/mtclient"
)

// fakeDevice — эмулятор REST API MikroTik на httptest.
type fakeDevice struct {
	mu       sync.Mutex
	secrets  map[string]mtclient.Secret
	profiles map[string]mtclient.Profile
	sessions []mtclient.Session
	calls    map[string]int

	// status — если не 0, все запросы получают этот HTTP-статус
	status int
	// delay — задержка перед ответом
	delay time.Duration
	// rejectAll — все запросы получают 200 с {"success": false}
	rejectAll bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		secrets:  map[string]mtclient.Secret{},
		profiles: map[string]mtclient.Profile{},
		calls:    map[string]int{},
	}
}

func (d *fakeDevice) setStatus(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = status
}

func (d *fakeDevice) setDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

func (d *fakeDevice) setRejectAll(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectAll = reject
}

func (d *fakeDevice) callCount(path string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[path]
}

func (d *fakeDevice) totalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

func (d *fakeDevice) secret(username string) (mtclient.Secret, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.secrets[username]
	return s, ok
}

func (d *fakeDevice) profile(name string) mtclient.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profiles[name]
}

func (d *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.calls[r.URL.Path]++
	status, delay, reject := d.status, d.delay, d.rejectAll
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if reject {
		writeJSON(w, map[string]any{"success": false})
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ok := map[string]any{"success": true}
	switch r.URL.Path {
	case "/health":
		writeJSON(w, map[string]string{"status": "ok"})

	case "/api/ppp/secret/add":
		var s mtclient.Secret
		_ = json.NewDecoder(r.Body).Decode(&s)
		if _, exists := d.secrets[s.Username]; exists {
			w.WriteHeader(http.StatusConflict)
			return
		}
		s.ID = "*" + strconv.Itoa(len(d.secrets)+1)
		d.secrets[s.Username] = s
		writeJSON(w, map[string]any{"success": true, "id": s.ID})

	case "/api/ppp/secret/set":
		var s mtclient.Secret
		_ = json.NewDecoder(r.Body).Decode(&s)
		old, exists := d.secrets[s.Username]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.ID = old.ID
		d.secrets[s.Username] = s
		writeJSON(w, ok)

	case "/api/ppp/secret/remove":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, exists := d.secrets[body["username"]]; !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(d.secrets, body["username"])
		writeJSON(w, ok)

	case "/api/ppp/secret/print":
		list := make([]mtclient.Secret, 0, len(d.secrets))
		for _, s := range d.secrets {
			list = append(list, s)
		}
		writeJSON(w, map[string]any{"success": true, "secrets": list})

	case "/api/ppp/profile/print":
		var list []mtclient.Profile
		if p, exists := d.profiles[r.URL.Query().Get("name")]; exists {
			list = append(list, p)
		}
		writeJSON(w, map[string]any{"success": true, "profiles": list})

	case "/api/ppp/profile/add":
		var p mtclient.Profile
		_ = json.NewDecoder(r.Body).Decode(&p)
		if _, exists := d.profiles[p.Name]; exists {
			w.WriteHeader(http.StatusConflict)
			return
		}
		d.profiles[p.Name] = p
		writeJSON(w, ok)

	case "/api/ppp/profile/set":
		var p mtclient.Profile
		_ = json.NewDecoder(r.Body).Decode(&p)
		d.profiles[p.Name] = p
		writeJSON(w, ok)

	case "/api/ppp/active/print":
		writeJSON(w, map[string]any{"success": true, "sessions": d.sessions})

	case "/api/ppp/active/remove":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		for i, s := range d.sessions {
			if s.ID == body["id"] {
				d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
				writeJSON(w, ok)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// startDevice запускает эмулятор и возвращает активный роутер tenant,
// указывающий на него.
func startDevice(t *testing.T, routerID, tenantID int64) (*fakeDevice, *model.Router) {
	t.Helper()
	dev := newFakeDevice()
	srv := httptest.NewServer(dev)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	return dev, &model.Router{
		ID:        routerID,
		TenantID:  tenantID,
		Name:      "rt-" + strconv.FormatInt(routerID, 10),
		IPAddress: host,
		APIPort:   port,
		Username:  "admin",
		Password:  "router-secret",
		Status:    model.StatusActive,
	}
}

func newTestClient(t *testing.T, timeout time.Duration) *mtclient.Client {
	t.Helper()
	c, err := mtclient.New(mtclient.Options{Scheme: "http", Timeout: timeout}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func newTestProvisioning(t *testing.T, routers *memRouters, mirror *memMirror, timeout time.Duration) *ProvisioningService {
	t.Helper()
	return NewProvisioningService(newTestClient(t, timeout), routers, mirror,
		NewProfileCache(100, time.Minute), testLogger())
}
