// Package upload загружает изображения чеков во внешний хостинг картинок.
package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/nkomilov/storefront-system/internal/localstore"
)

// ErrMissingAPIKey возвращается, когда ключ API не удалось получить ни из
// одного источника.
var ErrMissingAPIKey = errors.New("image host api key is not configured")

const apiKeyStoreKey = "IMGBB_API_KEY"

// KeyPrompter запрашивает ключ API у оператора. Вызывается не более одного
// раза за время жизни клиента; полученный ключ сохраняется в хранилище.
type KeyPrompter interface {
	PromptAPIKey(ctx context.Context) (string, error)
}

// Client загружает изображения на внешний хостинг. Сетевые сбои
// ретраятся транспортом, бизнес-ошибки сервиса — нет.
type Client struct {
	host       string
	httpClient *retryablehttp.Client
	storage    localstore.Store
	prompter   KeyPrompter
	logger     *zap.Logger

	mu       sync.Mutex
	key      string
	prompted bool
}

// NewClient создаёт клиент хостинга изображений. apiKey может быть пустым:
// тогда ключ ищется в storage, а затем запрашивается у prompter.
func NewClient(host, apiKey string, storage localstore.Store, prompter KeyPrompter, logger *zap.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.HTTPClient.Timeout = 30 * time.Second
	httpClient.Logger = nil

	return &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: httpClient,
		storage:    storage,
		prompter:   prompter,
		logger:     logger,
		key:        apiKey,
	}
}

type uploadResponse struct {
	Success bool `json:"success"`
	Data    struct {
		URL string `json:"url"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Status int `json:"status_code"`
}

// Upload отправляет изображение и возвращает публичную ссылку на него.
// Тело кодируется в base64 и передаётся полем image формы multipart.
func (c *Client) Upload(ctx context.Context, image []byte) (string, error) {
	key, err := c.resolveKey(ctx)
	if err != nil {
		return "", err
	}

	var body strings.Builder
	writer := multipart.NewWriter(&body)

	field, err := writer.CreateFormField("image")
	if err != nil {
		return "", fmt.Errorf("create form field: %w", err)
	}
	if _, err := field.Write([]byte(base64.StdEncoding.EncodeToString(image))); err != nil {
		return "", fmt.Errorf("write form field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	uploadURL := c.host + "/1/upload?key=" + url.QueryEscape(key)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, uploadURL, strings.NewReader(body.String()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed uploadResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if !parsed.Success || parsed.Data.URL == "" {
		msg := parsed.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("image host rejected upload: %s", msg)
	}

	return parsed.Data.URL, nil
}

// resolveKey ищет ключ API: явно заданный, затем сохранённый в хранилище,
// затем запрошенный у оператора. Запрошенный ключ сохраняется.
func (c *Client) resolveKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != "" {
		return c.key, nil
	}

	if raw, err := c.storage.Get(ctx, apiKeyStoreKey); err == nil {
		if key := strings.TrimSpace(string(raw)); key != "" {
			c.key = key
			return c.key, nil
		}
	} else if !errors.Is(err, localstore.ErrKeyNotFound) {
		c.logger.Warn("read stored api key failed", zap.Error(err))
	}

	if c.prompter == nil || c.prompted {
		return "", ErrMissingAPIKey
	}
	c.prompted = true

	key, err := c.prompter.PromptAPIKey(ctx)
	if err != nil {
		return "", fmt.Errorf("prompt api key: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrMissingAPIKey
	}

	if err := c.storage.Set(ctx, apiKeyStoreKey, []byte(key)); err != nil {
		c.logger.Warn("persist api key failed", zap.Error(err))
	}

	c.key = key
	return c.key, nil
}
