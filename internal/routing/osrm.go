package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: timeout}}
}

// Route queries /route/v1/driving between the points.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	// OSRM takes lng,lat pairs
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("decode osrm response: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return Route{
		DistanceKm:  out.Routes[0].Distance / 1000,
		DurationMin: int(math.Ceil(out.Routes[0].Duration / 60)),
	}, nil
}
