// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package redfish

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// bmcServer fakes the slice of a Redfish BMC the reader touches: service
// root, session handling, one chassis with both power APIs. Power splits
// 60/40 across two supplies so summing is observable.
type bmcServer struct {
	server *httptest.Server

	mu            sync.RWMutex
	watts         float64
	forceFallback bool
	failBothAPIs  bool
	calls         map[string]int
}

func newBMCServer(watts float64) *bmcServer {
	s := &bmcServer{
		watts: watts,
		calls: map[string]int{},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handler))
	return s
}

func (s *bmcServer) URL() string {
	return s.server.URL
}

func (s *bmcServer) Close() {
	s.server.Close()
}

func (s *bmcServer) SetWatts(watts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watts = watts
}

func (s *bmcServer) ForceFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceFallback = true
}

func (s *bmcServer) FailBothAPIs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBothAPIs = true
}

func (s *bmcServer) Calls(endpoint string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[endpoint]
}

func (s *bmcServer) track(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[endpoint]++
}

func (s *bmcServer) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("OData-Version", "4.0")

	switch {
	case r.URL.Path == "/redfish/v1/" || r.URL.Path == "/redfish/v1":
		s.serveJSON(w, map[string]any{
			"@odata.type":    "#ServiceRoot.v1_5_0.ServiceRoot",
			"@odata.id":      "/redfish/v1/",
			"Id":             "RootService",
			"Name":           "Root Service",
			"RedfishVersion": "1.6.1",
			"Chassis":        ref("/redfish/v1/Chassis"),
			"SessionService": ref("/redfish/v1/SessionService"),
			"Links": map[string]any{
				"Sessions": ref("/redfish/v1/SessionService/Sessions"),
			},
		})
	case r.URL.Path == "/redfish/v1/SessionService/Sessions" && r.Method == http.MethodPost:
		sessionID := fmt.Sprintf("session-%d", time.Now().UnixNano())
		w.Header().Set("X-Auth-Token", "test-token")
		w.Header().Set("Location", "/redfish/v1/SessionService/Sessions/"+sessionID)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"@odata.type": "#Session.v1_1_0.Session",
			"@odata.id":   "/redfish/v1/SessionService/Sessions/" + sessionID,
			"Id":          sessionID,
			"Name":        "Session",
		})
	case strings.HasPrefix(r.URL.Path, "/redfish/v1/SessionService/Sessions/") && r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/redfish/v1/Chassis":
		s.serveJSON(w, map[string]any{
			"@odata.type":         "#ChassisCollection.ChassisCollection",
			"@odata.id":           "/redfish/v1/Chassis",
			"Name":                "Chassis Collection",
			"Members@odata.count": 1,
			"Members":             []any{ref("/redfish/v1/Chassis/1")},
		})
	case r.URL.Path == "/redfish/v1/Chassis/1":
		s.serveJSON(w, map[string]any{
			"@odata.type":    "#Chassis.v1_10_0.Chassis",
			"@odata.id":      "/redfish/v1/Chassis/1",
			"Id":             "1",
			"Name":           "Computer System Chassis",
			"ChassisType":    "RackMount",
			"PowerState":     "On",
			"Power":          ref("/redfish/v1/Chassis/1/Power"),
			"PowerSubsystem": ref("/redfish/v1/Chassis/1/PowerSubsystem"),
		})
	case r.URL.Path == "/redfish/v1/Chassis/1/PowerSubsystem":
		if s.subsystemDisabled() {
			http.NotFound(w, r)
			return
		}
		s.serveJSON(w, map[string]any{
			"@odata.type":   "#PowerSubsystem.v1_1_0.PowerSubsystem",
			"@odata.id":     "/redfish/v1/Chassis/1/PowerSubsystem",
			"Id":            "PowerSubsystem",
			"Name":          "Power Subsystem for Chassis",
			"PowerSupplies": ref("/redfish/v1/Chassis/1/PowerSubsystem/PowerSupplies"),
		})
	case r.URL.Path == "/redfish/v1/Chassis/1/PowerSubsystem/PowerSupplies":
		if s.subsystemDisabled() {
			http.NotFound(w, r)
			return
		}
		s.track("PowerSupplies")
		s.serveJSON(w, map[string]any{
			"@odata.type":         "#PowerSupplyCollection.PowerSupplyCollection",
			"@odata.id":           "/redfish/v1/Chassis/1/PowerSubsystem/PowerSupplies",
			"Name":                "Power Supply Collection",
			"Members@odata.count": 2,
			"Members": []any{
				ref("/redfish/v1/Chassis/1/PowerSubsystem/PowerSupplies/PS1"),
				ref("/redfish/v1/Chassis/1/PowerSubsystem/PowerSupplies/PS2"),
			},
		})
	case strings.HasPrefix(r.URL.Path, "/redfish/v1/Chassis/1/PowerSubsystem/PowerSupplies/"):
		if s.subsystemDisabled() {
			http.NotFound(w, r)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/redfish/v1/Chassis/1/PowerSubsystem/PowerSupplies/")
		share := 0.6
		if id == "PS2" {
			share = 0.4
		}
		s.mu.RLock()
		watts := s.watts * share
		s.mu.RUnlock()
		s.serveJSON(w, map[string]any{
			"@odata.type":      "#PowerSupply.v1_6_0.PowerSupply",
			"@odata.id":        r.URL.Path,
			"Id":               id,
			"Name":             "Power Supply " + id,
			"PowerOutputWatts": watts,
			"PowerSupplyType":  "AC",
			"Status":           map[string]any{"State": "Enabled", "Health": "OK"},
		})
	case r.URL.Path == "/redfish/v1/Chassis/1/Power":
		s.mu.RLock()
		failed := s.failBothAPIs
		watts := s.watts
		s.mu.RUnlock()
		if failed {
			http.NotFound(w, r)
			return
		}
		s.track("Power")
		s.serveJSON(w, map[string]any{
			"@odata.type": "#Power.v1_5_0.Power",
			"@odata.id":   "/redfish/v1/Chassis/1/Power",
			"Id":          "Power",
			"Name":        "Power",
			"PowerControl": []any{
				map[string]any{
					"@odata.id":          "/redfish/v1/Chassis/1/Power#/PowerControl/0",
					"MemberId":           "0",
					"Name":               "System Power Control",
					"PowerConsumedWatts": watts,
				},
			},
		})
	default:
		http.NotFound(w, r)
	}
}

func (s *bmcServer) subsystemDisabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forceFallback || s.failBothAPIs
}

func (s *bmcServer) serveJSON(w http.ResponseWriter, body map[string]any) {
	_ = json.NewEncoder(w).Encode(body)
}

func ref(path string) map[string]any {
	return map[string]any{"@odata.id": path}
}
