// Package provider предоставляет клиент внешнего платёжного провайдера.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNotConfigured возвращается, если клиент провайдера не настроен.
var ErrNotConfigured = errors.New("payment provider not configured")

// Client инкапсулирует HTTP-взаимодействие с платёжным провайдером.
type Client struct {
	http  *resty.Client
	keyID string
}

// ChargeRequest — запрос на создание платёжного заказа у провайдера.
type ChargeRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

// Charge описывает созданный у провайдера платёжный заказ.
type Charge struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// NewClient создаёт клиент провайдера с basic-авторизацией по ключам.
func NewClient(baseURL, keyID, keySecret string) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth(keyID, keySecret).
		SetTimeout(5 * time.Second)

	return &Client{
		http:  httpClient,
		keyID: keyID,
	}
}

// KeyID возвращает публичный идентификатор ключа для инициализации оплаты на клиенте.
func (c *Client) KeyID() string {
	if c == nil {
		return ""
	}
	return c.keyID
}

// CreateCharge создаёт платёжный заказ у провайдера и возвращает его данные.
func (c *Client) CreateCharge(ctx context.Context, amount int64, currency, receipt string) (*Charge, error) {
	if c == nil || c.keyID == "" {
		return nil, ErrNotConfigured
	}

	var charge Charge

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(ChargeRequest{
			Amount:   amount,
			Currency: currency,
			Receipt:  receipt,
		}).
		SetResult(&charge).
		Post("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}

	if resp.IsError() {
		return nil, fmt.Errorf("create charge: unexpected status %d", resp.StatusCode())
	}

	if charge.ID == "" {
		return nil, fmt.Errorf("create charge: empty charge id in response")
	}

	return &charge, nil
}
