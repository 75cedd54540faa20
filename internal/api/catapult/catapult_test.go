package catapult

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewDateFromString(t *testing.T) {
	params := []struct {
		input    string
		expected Date
		wantErr  bool
	}{
		{"2024-08-16", Date{Year: 2024, Month: 8, Day: 16}, false},
		{"2024-02-29", Date{Year: 2024, Month: 2, Day: 29}, false},
		{"2024-13-01", Date{}, true},
		{"2023-02-29", Date{}, true},
		{"08-16-2024", Date{}, true},
		{"yesterday", Date{}, true},
		{"", Date{}, true},
	}

	for _, param := range params {
		actual, err := NewDateFromString(param.input)

		if param.wantErr {
			assert.Error(t, err, param.input)
		} else {
			assert.Nil(t, err, param.input)
			assert.Equal(t, param.expected, actual)
		}
	}
}

func TestDateUnmarshal(t *testing.T) {
	input := "\"2023-01-02\""

	var actual Date
	err := json.Unmarshal([]byte(input), &actual)

	assert.Nil(t, err)
	assert.Equal(t, Date{Year: 2023, Month: 1, Day: 2}, actual)
}

func TestDateMarshal(t *testing.T) {
	date := Date{Year: 2023, Month: 1, Day: 2}

	actual, err := json.Marshal(date)

	assert.Nil(t, err)
	assert.Equal(t, []byte("\"2023-01-02\""), actual)
}

func TestDateNext(t *testing.T) {
	params := []struct {
		date     Date
		expected Date
	}{
		{Date{Year: 2024, Month: 8, Day: 15}, Date{Year: 2024, Month: 8, Day: 16}},
		{Date{Year: 2024, Month: 8, Day: 31}, Date{Year: 2024, Month: 9, Day: 1}},
		{Date{Year: 2024, Month: 2, Day: 28}, Date{Year: 2024, Month: 2, Day: 29}},
		{Date{Year: 2024, Month: 12, Day: 31}, Date{Year: 2025, Month: 1, Day: 1}},
	}

	for _, param := range params {
		assert.Equal(t, param.expected, param.date.Next())
	}
}

func TestDateAfter(t *testing.T) {
	assert.True(t, Date{Year: 2024, Month: 8, Day: 17}.After(Date{Year: 2024, Month: 8, Day: 16}))
	assert.False(t, Date{Year: 2024, Month: 8, Day: 16}.After(Date{Year: 2024, Month: 8, Day: 16}))
	assert.False(t, Date{Year: 2024, Month: 8, Day: 16}.After(Date{Year: 2024, Month: 8, Day: 17}))
}

func TestIDUnmarshal(t *testing.T) {
	params := []struct {
		input    string
		expected ID
		wantErr  bool
	}{
		{`"abc-123"`, ID("abc-123"), false},
		{`42`, ID("42"), false},
		{`42.5`, ID("42.5"), false},
		{`true`, ID(""), true},
		{`{"id": 1}`, ID(""), true},
	}

	for _, param := range params {
		var actual ID
		err := json.Unmarshal([]byte(param.input), &actual)

		if param.wantErr {
			assert.Error(t, err, param.input)
		} else {
			assert.Nil(t, err, param.input)
			assert.Equal(t, param.expected, actual)
		}
	}
}

func Test_decodeListPage(t *testing.T) {
	params := []struct {
		body      string
		itemCount int
		next      string
		wantErr   bool
	}{
		{`[{"id": "a"}, {"id": "b"}]`, 2, "", false},
		{`{"items": [{"id": "a"}], "next": "cursor-2"}`, 1, "cursor-2", false},
		{`{"sessions": [{"id": "a"}]}`, 0, "", false},
		{`[]`, 0, "", false},
		{`"plain string"`, 0, "", false},
		{`{"items": [`, 0, "", true},
	}

	for _, param := range params {
		page, err := decodeListPage([]byte(param.body))

		if param.wantErr {
			assert.Error(t, err, param.body)
			continue
		}

		assert.Nil(t, err, param.body)
		assert.Len(t, page.Items, param.itemCount, param.body)
		assert.Equal(t, param.next, page.Next, param.body)
	}
}

func Test_newAPIError(t *testing.T) {
	params := []struct {
		statusCode      int
		body            string
		retryAfter      string
		expectedMessage string
		expectedDelay   int
	}{
		{429, `{"message": "rate limit exceeded"}`, "7", "rate limit exceeded", 7},
		{500, `{"message": "internal error"}`, "", "internal error", 0},
		{503, `upstream connect error`, "", "upstream connect error", 0},
		{502, ``, "", "Bad Gateway", 0},
		{401, `{}`, "", "Unauthorized", 0},
	}

	for _, param := range params {
		resp := &http.Response{
			StatusCode: param.statusCode,
			Header:     http.Header{},
		}
		if param.retryAfter != "" {
			resp.Header.Set("Retry-After", param.retryAfter)
		}

		apiErr := newAPIError(resp, []byte(param.body))

		assert.Equal(t, param.statusCode, apiErr.StatusCode)
		assert.Equal(t, param.expectedMessage, apiErr.Message)
		assert.Equal(t, param.expectedDelay, int(apiErr.RetryAfter.Seconds()))
	}
}

type httpClientMock struct {
	mock.Mock
}

func (m *httpClientMock) Do(request *http.Request) (*http.Response, error) {
	result := m.Called(request)

	return result.Get(0).(*http.Response), result.Error(1)
}

func newTestClient(httpClient httpClient) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    fmt.Sprintf(baseURLFormat, "us"),
		token:      "test-token",
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
}

func makeResponse(statusCode int, bodyContents string) *http.Response {
	respBody := io.NopCloser(bytes.NewReader([]byte(bodyContents)))

	return &http.Response{
		Body:       respBody,
		StatusCode: statusCode,
		Header:     http.Header{},
	}
}

var expectedHeaders = http.Header{
	"Authorization": {"Bearer test-token"},
	"Accept":        {"application/json"},
}

func Test_Client_Activities(t *testing.T) {
	day := Date{Year: 2024, Month: 8, Day: 16}

	params := []struct {
		name          string
		body          string
		expectedItems []Activity
	}{
		{
			"bare array",
			`[{"id": "act-1", "name": "Morning Session"}, {"id": 2}]`,
			[]Activity{{ID: "act-1", Name: "Morning Session"}, {ID: "2"}},
		},
		{
			"unknown envelope",
			`{"sessions": [{"id": "act-1"}]}`,
			[]Activity{},
		},
		{
			"items envelope without cursor",
			`{"items": [{"id": "act-1"}], "next": ""}`,
			[]Activity{{ID: "act-1"}},
		},
	}

	for _, param := range params {
		rawResp := makeResponse(200, param.body)
		defer rawResp.Body.Close()

		clientMock := new(httpClientMock)
		clientMock.On(
			"Do",
			mock.MatchedBy(requestMatcher{
				ExpectedMethod: http.MethodGet,
				ExpectedURL: fmt.Sprintf(
					"%s/activities?end_date=2024-08-16&start_date=2024-08-16",
					fmt.Sprintf(baseURLFormat, "us"),
				),
				ExpectedHeader: expectedHeaders,
			}.ToFunc()),
		).Return(rawResp, nil)

		client := newTestClient(clientMock)

		result, err := client.Activities(context.Background(), day)

		require.Nil(t, err, param.name)
		assert.Equal(t, []byte(param.body), result.Raw, param.name)
		assert.Equal(t, param.expectedItems, result.Items, param.name)
		clientMock.AssertNumberOfCalls(t, "Do", 1)
	}
}

func Test_Client_Activities_FollowsCursor(t *testing.T) {
	day := Date{Year: 2024, Month: 8, Day: 16}
	base := fmt.Sprintf(baseURLFormat, "us")

	firstPage := makeResponse(200, `{"items": [{"id": "act-1"}], "next": "page-2"}`)
	defer firstPage.Body.Close()
	secondPage := makeResponse(200, `{"items": [{"id": "act-2"}], "next": ""}`)
	defer secondPage.Body.Close()

	clientMock := new(httpClientMock)
	clientMock.On(
		"Do",
		mock.MatchedBy(requestMatcher{
			ExpectedMethod: http.MethodGet,
			ExpectedURL:    fmt.Sprintf("%s/activities?end_date=2024-08-16&start_date=2024-08-16", base),
			ExpectedHeader: expectedHeaders,
		}.ToFunc()),
	).Return(firstPage, nil)
	clientMock.On(
		"Do",
		mock.MatchedBy(requestMatcher{
			ExpectedMethod: http.MethodGet,
			ExpectedURL:    fmt.Sprintf("%s/activities?cursor=page-2&end_date=2024-08-16&start_date=2024-08-16", base),
			ExpectedHeader: expectedHeaders,
		}.ToFunc()),
	).Return(secondPage, nil)

	client := newTestClient(clientMock)

	result, err := client.Activities(context.Background(), day)

	require.Nil(t, err)
	assert.Equal(t, []Activity{{ID: "act-1"}, {ID: "act-2"}}, result.Items)
	assert.JSONEq(t, `[{"id": "act-1"}, {"id": "act-2"}]`, string(result.Raw))
	clientMock.AssertNumberOfCalls(t, "Do", 2)
}

// endlessPagesClient answers every request with one more page to follow.
type endlessPagesClient struct {
	calls int
}

func (c *endlessPagesClient) Do(request *http.Request) (*http.Response, error) {
	c.calls++

	return makeResponse(200, `{"items": [{"id": "act-1"}], "next": "again"}`), nil
}

func Test_Client_Activities_StopsOnRunawayCursor(t *testing.T) {
	fake := &endlessPagesClient{}
	client := newTestClient(fake)

	result, err := client.Activities(context.Background(), Date{Year: 2024, Month: 8, Day: 16})

	assert.Nil(t, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not end after")
	assert.Equal(t, maxListPages, fake.calls)
}

func Test_Client_Activities_ErrorStatus(t *testing.T) {
	day := Date{Year: 2024, Month: 8, Day: 16}

	rawResp := makeResponse(401, `{"message": "invalid token"}`)
	defer rawResp.Body.Close()

	clientMock := new(httpClientMock)
	clientMock.On("Do", mock.Anything).Return(rawResp, nil)

	client := newTestClient(clientMock)

	result, err := client.Activities(context.Background(), day)

	assert.Nil(t, result)
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, 401, apiErr.StatusCode)
	assert.Equal(t, "invalid token", apiErr.Message)
}

func Test_Client_Athletes(t *testing.T) {
	params := []struct {
		name     string
		body     string
		expected []Athlete
	}{
		{
			"bare array",
			`[{"id": "ath-1", "first_name": "Ada", "last_name": "Lovelace"}, {"id": 7}]`,
			[]Athlete{{ID: "ath-1", FirstName: "Ada", LastName: "Lovelace"}, {ID: "7"}},
		},
		{
			"items envelope",
			`{"items": [{"id": "ath-1"}]}`,
			[]Athlete{{ID: "ath-1"}},
		},
	}

	for _, param := range params {
		rawResp := makeResponse(200, param.body)
		defer rawResp.Body.Close()

		clientMock := new(httpClientMock)
		clientMock.On(
			"Do",
			mock.MatchedBy(requestMatcher{
				ExpectedMethod: http.MethodGet,
				ExpectedURL:    fmt.Sprintf("%s/activities/act-1/athletes", fmt.Sprintf(baseURLFormat, "us")),
				ExpectedHeader: expectedHeaders,
			}.ToFunc()),
		).Return(rawResp, nil)

		client := newTestClient(clientMock)

		athletes, err := client.Athletes(context.Background(), ID("act-1"))

		require.Nil(t, err, param.name)
		assert.Equal(t, param.expected, athletes, param.name)
	}
}

func Test_Client_Sensor(t *testing.T) {
	body := `[{"ts": 1, "lat": 35.0, "long": 139.0}]`

	rawResp := makeResponse(200, body)
	defer rawResp.Body.Close()

	clientMock := new(httpClientMock)
	clientMock.On(
		"Do",
		mock.MatchedBy(requestMatcher{
			ExpectedMethod: http.MethodGet,
			ExpectedURL: fmt.Sprintf(
				"%s/activities/act-1/athletes/ath-9/sensor?stream_type=gps",
				fmt.Sprintf(baseURLFormat, "us"),
			),
			ExpectedHeader: expectedHeaders,
		}.ToFunc()),
	).Return(rawResp, nil)

	client := newTestClient(clientMock)

	payload, err := client.Sensor(context.Background(), ID("act-1"), ID("ath-9"), "gps")

	require.Nil(t, err)
	assert.Equal(t, []byte(body), payload)
}

func Test_NewClient_Defaults(t *testing.T) {
	client := NewClient(Config{Token: "t"})

	assert.Equal(t, "https://connect-us.catapultsports.com/api/v6", client.baseURL)

	client = NewClient(Config{Token: "t", Region: "eu"})

	assert.Equal(t, "https://connect-eu.catapultsports.com/api/v6", client.baseURL)

	client = NewClient(Config{Token: "t", BaseURL: "http://127.0.0.1:8080"})

	assert.Equal(t, "http://127.0.0.1:8080", client.baseURL)
}

type requestMatcher struct {
	ExpectedMethod string
	ExpectedURL    string
	ExpectedHeader http.Header
}

func (m requestMatcher) Matches(request *http.Request) bool {
	if request.Method != m.ExpectedMethod {
		return false
	}

	if request.URL.String() != m.ExpectedURL {
		return false
	}

	if len(request.Header) != len(m.ExpectedHeader) {
		return false
	}

	for expectedKey, expectedValues := range m.ExpectedHeader {
		values, ok := request.Header[expectedKey]
		if !ok {
			return false
		}

		if len(values) != len(expectedValues) {
			return false
		}

		for _, expectedValue := range expectedValues {
			found := false
			for _, value := range values {
				if value == expectedValue {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}

	return true
}

func (m requestMatcher) ToFunc() func(*http.Request) bool {
	return func(request *http.Request) bool {
		return m.Matches(request)
	}
}
