package catapult

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	baseURLFormat = "https://connect-%s.catapultsports.com/api/v6"
	dateLayout    = "2006-01-02"

	defaultRegion            = "us"
	defaultTimeout           = 60 * time.Second
	defaultRequestsPerSecond = 2.0

	// maxListPages bounds cursor following, so a listing that never
	// reports an end cannot stall a date forever.
	maxListPages = 50
)

type Date struct {
	Year  int
	Month int
	Day   int
}

func NewDateFromString(value string) (Date, error) {
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", value)
	}

	return NewDateFromTime(t), nil
}

func NewDateFromTime(t time.Time) Date {
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

func (d Date) Format() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) Time() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Next() Date {
	return NewDateFromTime(d.Time().AddDate(0, 0, 1))
}

func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}

	date, err := NewDateFromString(value)
	if err != nil {
		return err
	}

	*d = date

	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.Format())), nil
}

// ID accepts both representations the API has been observed to return,
// a JSON string and a bare number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err == nil {
		*id = ID(value)
		return nil
	}

	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("id must be a string or a number: %s", string(data))
	}

	*id = ID(number.String())

	return nil
}

func (id ID) String() string {
	return string(id)
}

type Activity struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

type Athlete struct {
	ID        ID     `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ActivitiesResult carries both the payload exactly as the API returned
// it and the parsed activity list. Raw is the original body when the
// response fit in one page, and a merged item array otherwise.
type ActivitiesResult struct {
	Raw   []byte
	Items []Activity
}

type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catapult: %s (status %d)", e.Message, e.StatusCode)
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var errBody errorResponseBody
	snippet := strings.TrimSpace(string(body))

	switch {
	case json.Unmarshal(body, &errBody) == nil && errBody.Message != "":
		apiErr.Message = errBody.Message
	case snippet != "" && !json.Valid(body):
		if len(snippet) > 120 {
			snippet = snippet[:120]
		}
		apiErr.Message = snippet
	default:
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if value := resp.Header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			apiErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	return apiErr
}

type errorResponseBody struct {
	Message string `json:"message"`
}

type listEnvelope struct {
	Items []json.RawMessage `json:"items"`
	Next  string            `json:"next"`
}

type listPage struct {
	Items []json.RawMessage
	Next  string
}

func decodeListPage(body []byte) (listPage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return listPage{Items: items}, nil
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil {
		return listPage{Items: envelope.Items, Next: envelope.Next}, nil
	}

	if !json.Valid(body) {
		return listPage{}, fmt.Errorf("response body is not valid JSON")
	}

	return listPage{}, nil
}

type httpClient interface {
	Do(request *http.Request) (*http.Response, error)
}

type Config struct {
	Token             string
	Region            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type Client struct {
	httpClient httpClient
	baseURL    string
	token      string
	limiter    *rate.Limiter
}

func NewClient(config Config) *Client {
	region := config.Region
	if region == "" {
		region = defaultRegion
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf(baseURLFormat, region)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      config.Token,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *Client) Activities(ctx context.Context, day Date) (*ActivitiesResult, error) {
	raw, page, err := c.activitiesPage(ctx, day, "")
	if err != nil {
		return nil, err
	}

	if page.Next == "" {
		return &ActivitiesResult{Raw: raw, Items: parseActivities(page.Items)}, nil
	}

	items := page.Items
	pages := 1
	for next := page.Next; next != ""; {
		if pages == maxListPages {
			return nil, fmt.Errorf("activities for %s did not end after %d pages", day.Format(), maxListPages)
		}

		_, page, err = c.activitiesPage(ctx, day, next)
		if err != nil {
			return nil, err
		}

		pages++
		items = append(items, page.Items...)
		next = page.Next
	}

	if items == nil {
		items = []json.RawMessage{}
	}

	merged, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}

	return &ActivitiesResult{Raw: merged, Items: parseActivities(items)}, nil
}

func (c *Client) activitiesPage(ctx context.Context, day Date, cursor string) ([]byte, listPage, error) {
	builder := newRequestBuilder(c.baseURL, http.MethodGet, "activities").
		withAuthorizationHeader(c.token).
		withAcceptJSONHeader().
		addQueryParameter("start_date", day.Format()).
		addQueryParameter("end_date", day.Format())
	if cursor != "" {
		builder = builder.addQueryParameter("cursor", cursor)
	}

	req, err := builder.build(ctx)
	if err != nil {
		return nil, listPage{}, err
	}

	body, err := c.do(req)
	if err != nil {
		return nil, listPage{}, err
	}

	page, err := decodeListPage(body)
	if err != nil {
		return nil, listPage{}, err
	}

	return body, page, nil
}

func (c *Client) Athletes(ctx context.Context, activityID ID) ([]Athlete, error) {
	req, err := newRequestBuilder(c.baseURL, http.MethodGet, fmt.Sprintf("activities/%s/athletes", activityID)).
		withAuthorizationHeader(c.token).
		withAcceptJSONHeader().
		build(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	page, err := decodeListPage(body)
	if err != nil {
		return nil, err
	}

	athletes := make([]Athlete, 0, len(page.Items))
	for _, item := range page.Items {
		var athlete Athlete
		if err := json.Unmarshal(item, &athlete); err != nil {
			continue
		}

		athletes = append(athletes, athlete)
	}

	return athletes, nil
}

func (c *Client) Sensor(ctx context.Context, activityID ID, athleteID ID, stream string) ([]byte, error) {
	path := fmt.Sprintf("activities/%s/athletes/%s/sensor", activityID, athleteID)

	req, err := newRequestBuilder(c.baseURL, http.MethodGet, path).
		withAuthorizationHeader(c.token).
		withAcceptJSONHeader().
		addQueryParameter("stream_type", stream).
		build(ctx)
	if err != nil {
		return nil, err
	}

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		return nil, newAPIError(resp, body)
	}

	return body, nil
}

func parseActivities(items []json.RawMessage) []Activity {
	activities := make([]Activity, 0, len(items))
	for _, item := range items {
		var activity Activity
		if err := json.Unmarshal(item, &activity); err != nil {
			continue
		}

		activities = append(activities, activity)
	}

	return activities
}

type requestBuilder struct {
	baseURL string
	method  string
	path    string
	query   url.Values
	header  http.Header
	err     error
}

func newRequestBuilder(baseURL string, method string, path string) *requestBuilder {
	return &requestBuilder{
		baseURL: baseURL,
		method:  method,
		path:    path,
		query:   url.Values{},
		header:  http.Header{},
	}
}

func (b *requestBuilder) withAuthorizationHeader(value string) *requestBuilder {
	if b.err != nil {
		return b
	}

	b.header.Add("Authorization", fmt.Sprintf("Bearer %s", value))

	return b
}

func (b *requestBuilder) withAcceptJSONHeader() *requestBuilder {
	if b.err != nil {
		return b
	}

	b.header.Add("Accept", "application/json")

	return b
}

func (b *requestBuilder) addQueryParameter(key string, value string) *requestBuilder {
	if b.err != nil {
		return b
	}

	b.query.Add(key, value)

	return b
}

func (b *requestBuilder) build(ctx context.Context) (*http.Request, error) {
	if b.err != nil {
		return nil, b.err
	}

	u, err := b.makeUrl()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, b.method, u.String(), nil)
	if err != nil {
		return nil, err
	}

	for header, values := range b.header {
		for _, value := range values {
			req.Header.Add(header, value)
		}
	}

	return req, nil
}

func (b *requestBuilder) makeUrl() (*url.URL, error) {
	u, err := url.Parse(fmt.Sprintf("%s/%s", b.baseURL, b.path))
	if err != nil {
		return nil, err
	}

	u.RawQuery = b.query.Encode()

	return u, nil
}
