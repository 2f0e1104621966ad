// Package main provides a web-based monitoring UI for groupq.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Inspector provides read-only access to groupq data in Redis.
type Inspector struct {
	client redis.UniversalClient
}

// NewInspector creates a new Inspector with the given Redis client.
func NewInspector(client redis.UniversalClient) *Inspector {
	return &Inspector{client: client}
}

// GroupInfo holds information about a group.
type GroupInfo struct {
	Name      string
	Waiting   int64
	Active    int64
	Total     int64
	Completed int64
	Failed    int64
	Paused    int64
	Synthetic bool
}

// TaskInfo holds information about a task.
type TaskInfo struct {
	ID         string
	Method     string
	Queue      string
	Group      string
	State      string
	Priority   int
	Attempts   int
	MaxRetries int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// taskRecord mirrors the JSON record stored at task:{id}.
type taskRecord struct {
	ID         string `json:"id"`
	Queue      string `json:"queue"`
	Group      string `json:"group"`
	Method     string `json:"method"`
	Priority   int    `json:"priority"`
	MaxRetries int    `json:"max_retries"`
	Attempts   int    `json:"attempts"`
	State      string `json:"state"`
	LastError  string `json:"last_error"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// DashboardStats holds dashboard statistics.
type DashboardStats struct {
	TotalGroups    int
	TotalWaiting   int64
	TotalActive    int64
	TotalCompleted int64
	TotalFailed    int64
	TotalPaused    int64
}

// GetGroups returns information about all groups.
func (i *Inspector) GetGroups(ctx context.Context) ([]GroupInfo, error) {
	names, err := i.client.SMembers(ctx, "groups").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get groups: %w", err)
	}
	sort.Strings(names)

	infos := make([]GroupInfo, 0, len(names))
	for _, name := range names {
		info := GroupInfo{Name: name, Synthetic: len(name) > 6 && name[:6] == "queue:"}
		info.Waiting, _ = i.client.ZCard(ctx, "group:"+name+":order").Result()
		info.Active, _ = i.client.SCard(ctx, "group:"+name+":processing").Result()
		stats, err := i.client.HGetAll(ctx, "group:"+name+":stats").Result()
		if err == nil {
			info.Total = toInt64(stats["total"])
			info.Completed = toInt64(stats["completed"])
			info.Failed = toInt64(stats["failed"])
			info.Paused = toInt64(stats["paused"])
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetGroupTasks returns the tasks currently indexed under a group.
func (i *Inspector) GetGroupTasks(ctx context.Context, group string) ([]TaskInfo, error) {
	states, err := i.client.HGetAll(ctx, "group:"+group+":state").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get group state: %w", err)
	}
	tasks := make([]TaskInfo, 0, len(states))
	for id, state := range states {
		info := TaskInfo{ID: id, Group: group, State: state}
		if data, err := i.client.Get(ctx, "task:"+id).Result(); err == nil {
			var rec taskRecord
			if err := json.Unmarshal([]byte(data), &rec); err == nil {
				info.Method = rec.Method
				info.Queue = rec.Queue
				info.Priority = rec.Priority
				info.Attempts = rec.Attempts
				info.MaxRetries = rec.MaxRetries
				info.LastError = rec.LastError
				info.CreatedAt = time.UnixMilli(rec.CreatedAt)
				info.UpdatedAt = time.UnixMilli(rec.UpdatedAt)
			}
		}
		tasks = append(tasks, info)
	}
	sort.Slice(tasks, func(a, b int) bool { return tasks[a].CreatedAt.Before(tasks[b].CreatedAt) })
	return tasks, nil
}

// GetDashboardStats aggregates counters across every group.
func (i *Inspector) GetDashboardStats(ctx context.Context) (DashboardStats, error) {
	groups, err := i.GetGroups(ctx)
	if err != nil {
		return DashboardStats{}, err
	}
	stats := DashboardStats{TotalGroups: len(groups)}
	for _, g := range groups {
		stats.TotalWaiting += g.Waiting
		stats.TotalActive += g.Active
		stats.TotalCompleted += g.Completed
		stats.TotalFailed += g.Failed
		stats.TotalPaused += g.Paused
	}
	return stats, nil
}

func toInt64(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
