// Package httpbackend is the HTTP client for the remote translation service.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/MarkoPoloResearchLab/voicetranslate/pkg/translation"
)

const (
	translateAudioPath = "/v1/translate/audio"
	translateTextPath  = "/v1/translate"
	healthPath         = "/health"
	languagesPath      = "/v1/languages"

	headerAPIKey      = "X-API-Key"
	headerContentType = "Content-Type"
	headerUserAgent   = "User-Agent"
	contentTypeJSON   = "application/json"
	healthyStatus     = "healthy"
	languagesCacheKey = "languages"

	defaultTimeout       = 30 * time.Second
	defaultLanguagesTTL  = 10 * time.Minute
	defaultVoiceGender   = "neutral"
	defaultSpeakingRate  = 1.0
	defaultUserAgent     = "voicetranslate/1"
	maxErrorBodyBytes    = 64 << 10
	defaultMaxAudioBytes = 32 << 20
)

var (
	// ErrInvalidConfig reports an unusable client configuration.
	ErrInvalidConfig = errors.New("invalid backend config")
	// ErrAudioTooLarge reports an audio body past Config.MaxAudioBytes.
	ErrAudioTooLarge = errors.New("audio exceeds size limit")
)

// Config configures the backend client.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	LanguagesTTL time.Duration
	VoiceGender  string
	SpeakingRate float64
	UserAgent    string

	// MaxAudioBytes bounds a downloaded audio body.
	MaxAudioBytes int64
}

// Validate fills defaults and checks required fields.
func (config *Config) Validate() error {
	if strings.TrimSpace(config.BaseURL) == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.LanguagesTTL <= 0 {
		config.LanguagesTTL = defaultLanguagesTTL
	}
	if config.VoiceGender == "" {
		config.VoiceGender = defaultVoiceGender
	}
	if config.SpeakingRate == 0 {
		config.SpeakingRate = defaultSpeakingRate
	}
	if config.SpeakingRate < 0.5 || config.SpeakingRate > 2.0 {
		return fmt.Errorf("%w: speaking rate must be within [0.5, 2.0]", ErrInvalidConfig)
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.MaxAudioBytes <= 0 {
		config.MaxAudioBytes = defaultMaxAudioBytes
	}
	return nil
}

// StatusError is a non-2xx backend reply.
type StatusError struct {
	Code    int
	Message string
}

// Error implements error.
func (statusError *StatusError) Error() string {
	if statusError.Message == "" {
		return fmt.Sprintf("backend returned status %d", statusError.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", statusError.Code, statusError.Message)
}

// StatusCode implements translation.StatusCoder.
func (statusError *StatusError) StatusCode() int {
	return statusError.Code
}

// Client implements translation.Backend over HTTP.
type Client struct {
	config     Config
	baseURL    *url.URL
	httpClient *http.Client
	languages  *expirable.LRU[string, []translation.Language]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// New builds a Client.
func New(config Config, options ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, config.BaseURL)
	}
	client := &Client{
		config:     config,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		languages:  expirable.NewLRU[string, []translation.Language](1, nil, config.LanguagesTTL),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type translateRequest struct {
	Text           string  `json:"text"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language"`
	ReturnAudio    bool    `json:"return_audio"`
	VoiceGender    string  `json:"voice_gender,omitempty"`
	SpeakingRate   float64 `json:"speaking_rate,omitempty"`
}

type translateResponse struct {
	TranslatedText   string   `json:"translated_text"`
	SourceLanguage   string   `json:"source_language"`
	TargetLanguage   string   `json:"target_language"`
	Confidence       *float64 `json:"confidence"`
	AudioBase64      *string  `json:"audio_base64"`
	AudioURL         *string  `json:"audio_url"`
	ProcessingTimeMS *int64   `json:"processing_time_ms"`
}

type healthResponse struct {
	Status string `json:"status"`
}

type languagesResponse struct {
	Languages []struct {
		Code string `json:"code"`
		Name string `json:"name"`
	} `json:"languages"`
}

type errorResponse struct {
	Detail any `json:"detail"`
	Error  any `json:"error"`
}

// Translate implements translation.Backend. Audio requests use the audio
// endpoint; text-only requests use the plain translate endpoint.
func (client *Client) Translate(ctx context.Context, request translation.BackendRequest) (translation.BackendResponse, error) {
	path := translateTextPath
	payload := translateRequest{
		Text:           request.Text,
		SourceLanguage: request.SourceLang,
		TargetLanguage: request.TargetLang,
		ReturnAudio:    request.WantAudio,
	}
	if request.WantAudio {
		path = translateAudioPath
		payload.VoiceGender = client.config.VoiceGender
		payload.SpeakingRate = client.config.SpeakingRate
	}
	var decoded translateResponse
	if err := client.doJSON(ctx, http.MethodPost, path, payload, &decoded); err != nil {
		return translation.BackendResponse{}, err
	}
	if strings.TrimSpace(decoded.TranslatedText) == "" || decoded.Confidence == nil {
		return translation.BackendResponse{}, translation.NewFailure(translation.KindInvalidResponse, "missing translated_text or confidence", nil)
	}
	response := translation.BackendResponse{
		TranslatedText: decoded.TranslatedText,
		SourceLang:     decoded.SourceLanguage,
		TargetLang:     decoded.TargetLanguage,
		Confidence:     *decoded.Confidence,
	}
	if decoded.AudioBase64 != nil {
		response.AudioBase64 = *decoded.AudioBase64
	}
	if decoded.AudioURL != nil {
		response.AudioURL = *decoded.AudioURL
	}
	if decoded.ProcessingTimeMS != nil {
		response.ProcessingTime = time.Duration(*decoded.ProcessingTimeMS) * time.Millisecond
	}
	return response, nil
}

// Health implements translation.HealthChecker. A degraded or non-2xx reply is
// reported as unhealthy without an error; transport failures return the error.
func (client *Client) Health(ctx context.Context) (bool, error) {
	var decoded healthResponse
	err := client.doJSON(ctx, http.MethodGet, healthPath, nil, &decoded)
	var statusError *StatusError
	if errors.As(err, &statusError) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(decoded.Status, healthyStatus), nil
}

// Languages implements translation.Backend. Results are cached for LanguagesTTL.
func (client *Client) Languages(ctx context.Context) ([]translation.Language, error) {
	if cached, ok := client.languages.Get(languagesCacheKey); ok {
		return cached, nil
	}
	var decoded languagesResponse
	if err := client.doJSON(ctx, http.MethodGet, languagesPath, nil, &decoded); err != nil {
		return nil, err
	}
	languages := make([]translation.Language, 0, len(decoded.Languages))
	for _, language := range decoded.Languages {
		if language.Code == "" {
			continue
		}
		languages = append(languages, translation.Language{Code: language.Code, Name: language.Name})
	}
	client.languages.Add(languagesCacheKey, languages)
	return languages, nil
}

// FetchAudio implements translation.Backend. Relative URLs resolve against the base URL.
func (client *Client) FetchAudio(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := client.resolve(rawURL)
	if err != nil {
		return nil, translation.NewFailure(translation.KindInvalidResponse, "bad audio url", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	client.decorate(httpRequest)
	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return nil, readStatusError(httpResponse)
	}
	audio, err := io.ReadAll(io.LimitReader(httpResponse.Body, client.config.MaxAudioBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(audio)) > client.config.MaxAudioBytes {
		return nil, translation.NewFailure(translation.KindInvalidResponse, fmt.Sprintf("audio larger than %d bytes", client.config.MaxAudioBytes), ErrAudioTooLarge)
	}
	return audio, nil
}

func (client *Client) doJSON(ctx context.Context, method string, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	target, err := client.resolve(path)
	if err != nil {
		return err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	client.decorate(httpRequest)
	if payload != nil {
		httpRequest.Header.Set(headerContentType, contentTypeJSON)
	}
	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return err
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return readStatusError(httpResponse)
	}
	if err := json.NewDecoder(httpResponse.Body).Decode(out); err != nil {
		return translation.NewFailure(translation.KindInvalidResponse, "malformed response body", err)
	}
	return nil
}

func (client *Client) decorate(httpRequest *http.Request) {
	httpRequest.Header.Set(headerUserAgent, client.config.UserAgent)
	if client.config.APIKey != "" {
		httpRequest.Header.Set(headerAPIKey, client.config.APIKey)
	}
}

func (client *Client) resolve(raw string) (string, error) {
	reference, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if reference.IsAbs() {
		return reference.String(), nil
	}
	resolved := *client.baseURL
	resolved.Path = client.baseURL.Path + "/" + strings.TrimLeft(reference.Path, "/")
	resolved.RawQuery = reference.RawQuery
	return resolved.String(), nil
}

func readStatusError(httpResponse *http.Response) *StatusError {
	statusError := &StatusError{Code: httpResponse.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxErrorBodyBytes))
	if err != nil || len(raw) == 0 {
		return statusError
	}
	var decoded errorResponse
	if json.Unmarshal(raw, &decoded) == nil {
		for _, candidate := range []any{decoded.Detail, decoded.Error} {
			if text, ok := candidate.(string); ok && text != "" {
				statusError.Message = text
				return statusError
			}
		}
	}
	statusError.Message = strings.TrimSpace(string(raw))
	return statusError
}
