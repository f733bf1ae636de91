package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// sample is one scraped Prometheus exposition line, labels included so the
// table can show "state=bound" style detail the way Splat-NDPeekr's
// display.go breaks NDP/MLD counts out by message type.
type sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// fetchSamples scrapes addr's Prometheus text exposition format. There's
// no scraping library in the stack (client_golang is for exposing, not
// reading, metrics), so this is a deliberately small text-format reader,
// not a stand-in for a real Prometheus client.
func fetchSamples(ctx context.Context, addr string, timeout time.Duration) ([]sample, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("netkernmon: scrape %s: status %s", addr, resp.Status)
	}

	var out []sample
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if s, ok := parseMetricLine(scanner.Text()); ok {
			if strings.HasPrefix(s.Name, "netkern_") {
				out = append(out, s)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func parseMetricLine(line string) (sample, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return sample{}, false
	}
	sp := strings.LastIndex(line, " ")
	if sp < 0 {
		return sample{}, false
	}
	v, err := strconv.ParseFloat(line[sp+1:], 64)
	if err != nil {
		return sample{}, false
	}
	head := line[:sp]

	name := head
	var labels map[string]string
	if lb := strings.IndexByte(head, '{'); lb >= 0 && strings.HasSuffix(head, "}") {
		name = head[:lb]
		labels = parseLabels(head[lb+1 : len(head)-1])
	}
	return sample{Name: name, Labels: labels, Value: v}, true
}

func parseLabels(body string) map[string]string {
	labels := make(map[string]string)
	for _, kv := range strings.Split(body, ",") {
		kv = strings.TrimSpace(kv)
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		labels[parts[0]] = strings.Trim(parts[1], `"`)
	}
	return labels
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, labels[k]))
	}
	return strings.Join(parts, ",")
}
