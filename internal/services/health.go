package services

import (
	"context"
	"sync"
	"time"

	"mcphub/internal/logging"
	"mcphub/pkg/models"
)

const healthInterval = 30 * time.Second

// HealthChecker computes the hub's periodic health report. Servers in ERROR
// count as critical issues, servers merely not connected as warnings.
type HealthChecker struct {
	manager *ServerManager
	groups  *GroupManager

	mu     sync.RWMutex
	latest models.HealthReport

	log *logging.Component
	now func() time.Time
}

// NewHealthChecker wires the checker to its sources.
func NewHealthChecker(manager *ServerManager, groups *GroupManager) *HealthChecker {
	return &HealthChecker{
		manager: manager,
		groups:  groups,
		log:     logging.Named("health"),
		now:     time.Now,
	}
}

// Check computes a fresh report, stores it as the latest and returns it.
func (h *HealthChecker) Check() models.HealthReport {
	servers := h.manager.GetAllServers()

	counts := make(map[models.ConnectionStatus]int)
	critical, warning := 0, 0
	for _, s := range servers {
		counts[s.Status]++
		switch s.Status {
		case models.StatusError:
			critical++
		case models.StatusDisconnected, models.StatusConnecting:
			warning++
		}
	}

	connected := make(map[string]bool, len(servers))
	for _, s := range servers {
		connected[s.ID] = s.Status == models.StatusConnected
	}

	groups := h.groups.Groups()
	groupHealth := make([]models.GroupHealth, 0, len(groups))
	for _, g := range groups {
		serverIDs, err := h.groups.ServerIDs(g.ID)
		if err != nil {
			continue
		}
		up := 0
		for _, id := range serverIDs {
			if connected[id] {
				up++
			}
		}
		groupHealth = append(groupHealth, models.GroupHealth{
			GroupID:          g.ID,
			Name:             g.Name,
			Available:        up > 0 || len(serverIDs) == 0,
			ConnectedServers: up,
			TotalServers:     len(serverIDs),
		})
	}

	score := 100 - 30*critical - 10*warning
	if score < 0 {
		score = 0
	}

	report := models.HealthReport{
		Timestamp:     h.now().UTC(),
		Score:         score,
		Status:        healthStatus(score),
		StatusCounts:  counts,
		Servers:       servers,
		Groups:        groupHealth,
		CriticalCount: critical,
		WarningCount:  warning,
	}

	h.mu.Lock()
	h.latest = report
	h.mu.Unlock()
	return report
}

// Latest returns the most recent report without recomputing.
func (h *HealthChecker) Latest() models.HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Run recomputes the report every healthInterval until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := h.Check()
			if report.CriticalCount > 0 {
				h.log.Warn("health score %d: %d server(s) in error, %d degraded",
					report.Score, report.CriticalCount, report.WarningCount)
			} else {
				h.log.Debug("health score %d", report.Score)
			}
		}
	}
}

func healthStatus(score int) string {
	switch {
	case score >= 90:
		return "healthy"
	case score >= 50:
		return "degraded"
	default:
		return "critical"
	}
}
