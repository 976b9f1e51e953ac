// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posmodel

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of catalogue, customer and printer records.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Closed reports whether no further changes are expected on the order.
func (s OrderStatus) Closed() bool { return s != OrderOpen }

// PrinterKind tells receipt printers apart from kitchen printers.
type PrinterKind string

const (
	PrinterReceipt PrinterKind = "receipt"
	PrinterKitchen PrinterKind = "kitchen"
)

// Category groups products in the catalogue.
type Category struct {
	Meta
	Name        LocalizedName `json:"name"`
	Description string        `json:"description,omitempty"`
	SortOrder   int64         `json:"sortOrder"`
	Status      Status        `json:"status"`
}

func (*Category) Kind() Kind { return KindCategory }

// CategoryRef is the denormalized category summary stored on a product.
type CategoryRef struct {
	Name LocalizedName `json:"name"`
}

// Product is a sellable catalogue item.
type Product struct {
	Meta
	Name        LocalizedName   `json:"name"`
	CategoryRef string          `json:"categoryRef,omitempty"`
	Category    CategoryRef     `json:"category"`
	SKU         string          `json:"sku,omitempty"`
	Price       decimal.Decimal `json:"price"`
	TaxRate     decimal.Decimal `json:"taxRate"`
	Sellable    bool            `json:"sellable"`
	TrackStock  bool            `json:"trackStock"`
	Stock       int64           `json:"stock"`
	Status      Status          `json:"status"`
}

func (*Product) Kind() Kind { return KindProduct }

// Customer is a buyer known to the merchant.
type Customer struct {
	Meta
	Name        string          `json:"name"`
	Phone       string          `json:"phone,omitempty"`
	Email       string          `json:"email,omitempty"`
	TotalSpent  decimal.Decimal `json:"totalSpent"`
	TotalOrders int64           `json:"totalOrders"`
	AllowCredit bool            `json:"allowCredit"`
	Status      Status          `json:"status"`
}

func (*Customer) Kind() Kind { return KindCustomer }

// CustomerRef is the denormalized customer summary stored on an order.
type CustomerRef struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ProductRef string          `json:"productRef"`
	Name       LocalizedName   `json:"name"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	Total      decimal.Decimal `json:"total"`
}

// Payment is one tender applied to an order.
type Payment struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

// Order is a sale recorded at the till.
type Order struct {
	Meta
	OrderNumber    string          `json:"orderNumber"`
	Customer       *CustomerRef    `json:"customer,omitempty"`
	Items          []OrderItem     `json:"items"`
	Payments       []Payment       `json:"payments"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	Status         OrderStatus     `json:"status"`
	Refunded       bool            `json:"refunded"`
	ReceiptPrinted bool            `json:"receiptPrinted"`
	ClosedAt       *time.Time      `json:"closedAt,omitempty"`
}

func (*Order) Kind() Kind { return KindOrder }

// Paid returns the sum of all payments.
func (o *Order) Paid() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range o.Payments {
		sum = sum.Add(p.Amount)
	}
	return sum
}

// Printer is a printer paired with this device.
type Printer struct {
	Meta
	Name        string      `json:"name"`
	PrinterKind PrinterKind `json:"kind"`
	Address     string      `json:"address"`
	Port        int64       `json:"port"`
	PaperWidth  int64       `json:"paperWidth"`
	IsDefault   bool        `json:"isDefault"`
	Enabled     bool        `json:"enabled"`
	Status      Status      `json:"status"`
}

func (*Printer) Kind() Kind { return KindPrinter }
