// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import (
	"database/sql"
	"fmt"
	"slices"

	"github.com/mobiletoly/go-possync/posmodel"
)

// metaColumns are shared by every entity table, in this order.
var metaColumns = []string{
	"_id", "companyRef", "locationRef", "company", "location", "source", "createdAt", "updatedAt",
}

// codec maps one entity type onto its table.
type codec[T any] struct {
	table  string
	fields []string
	meta   func(*T) *posmodel.Meta
	encode func(*T) ([]any, error)
	decode func(*rowValues, *T)
}

func (c *codec[T]) columns() []string {
	return append(slices.Clone(metaColumns), c.fields...)
}

// values normalizes e in place to what a read returns and encodes it.
func (c *codec[T]) values(e *T) ([]any, error) {
	m := c.meta(e)
	m.CreatedAt = posmodel.Timestamp(m.CreatedAt)
	m.UpdatedAt = posmodel.Timestamp(m.UpdatedAt)
	if m.ID == "" {
		return nil, fmt.Errorf("%s record has no _id", c.table)
	}
	if !m.Source.Valid() {
		return nil, fmt.Errorf("%s record %s has invalid source %q", c.table, m.ID, m.Source)
	}
	company, err := encodeJSON(m.Company)
	if err != nil {
		return nil, fmt.Errorf("failed to encode company of %s: %w", m.ID, err)
	}
	location, err := encodeJSON(m.Location)
	if err != nil {
		return nil, fmt.Errorf("failed to encode location of %s: %w", m.ID, err)
	}
	vals := []any{
		m.ID, m.CompanyRef, m.LocationRef, company, location,
		string(m.Source), encodeTime(m.CreatedAt), encodeTime(m.UpdatedAt),
	}
	fields, err := c.encode(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record %s: %w", c.table, m.ID, err)
	}
	return append(vals, fields...), nil
}

func (c *codec[T]) scan(rows *sql.Rows) (*T, error) {
	rv, err := scanRowValues(rows, c.table, c.columns())
	if err != nil {
		return nil, err
	}
	e := new(T)
	m := c.meta(e)
	m.ID = rv.id
	m.CompanyRef = rv.text("companyRef")
	m.LocationRef = rv.text("locationRef")
	rv.json("company", &m.Company)
	rv.json("location", &m.Location)
	m.Source = posmodel.Source(rv.text("source"))
	if !m.Source.Valid() {
		rv.fail("source", fmt.Errorf("unknown source %q", m.Source))
	}
	m.CreatedAt = rv.timestamp("createdAt")
	m.UpdatedAt = rv.timestamp("updatedAt")
	c.decode(rv, e)
	if rv.err != nil {
		return nil, rv.err
	}
	return e, nil
}

var categoryCodec = &codec[posmodel.Category]{
	table:  string(posmodel.KindCategory),
	fields: []string{"name", "description", "sortOrder", "status"},
	meta:   func(c *posmodel.Category) *posmodel.Meta { return &c.Meta },
	encode: func(c *posmodel.Category) ([]any, error) {
		name, err := encodeJSON(c.Name)
		if err != nil {
			return nil, err
		}
		return []any{name, c.Description, c.SortOrder, string(c.Status)}, nil
	},
	decode: func(rv *rowValues, c *posmodel.Category) {
		rv.json("name", &c.Name)
		c.Description = rv.text("description")
		c.SortOrder = rv.integer("sortOrder")
		c.Status = posmodel.Status(rv.text("status"))
	},
}

var productCodec = &codec[posmodel.Product]{
	table: string(posmodel.KindProduct),
	fields: []string{
		"name", "categoryRef", "category", "sku", "price", "taxRate",
		"sellable", "trackStock", "stock", "status",
	},
	meta: func(p *posmodel.Product) *posmodel.Meta { return &p.Meta },
	encode: func(p *posmodel.Product) ([]any, error) {
		name, err := encodeJSON(p.Name)
		if err != nil {
			return nil, err
		}
		category, err := encodeJSON(p.Category)
		if err != nil {
			return nil, err
		}
		return []any{
			name, p.CategoryRef, category, p.SKU,
			encodeDecimal(p.Price), encodeDecimal(p.TaxRate),
			encodeBool(p.Sellable), encodeBool(p.TrackStock), p.Stock, string(p.Status),
		}, nil
	},
	decode: func(rv *rowValues, p *posmodel.Product) {
		rv.json("name", &p.Name)
		p.CategoryRef = rv.text("categoryRef")
		rv.json("category", &p.Category)
		p.SKU = rv.text("sku")
		p.Price = rv.decimal("price")
		p.TaxRate = rv.decimal("taxRate")
		p.Sellable = rv.boolean("sellable")
		p.TrackStock = rv.boolean("trackStock")
		p.Stock = rv.integer("stock")
		p.Status = posmodel.Status(rv.text("status"))
	},
}

var customerCodec = &codec[posmodel.Customer]{
	table: string(posmodel.KindCustomer),
	fields: []string{
		"name", "phone", "email", "totalSpent", "totalOrders", "allowCredit", "status",
	},
	meta: func(c *posmodel.Customer) *posmodel.Meta { return &c.Meta },
	encode: func(c *posmodel.Customer) ([]any, error) {
		return []any{
			c.Name, c.Phone, c.Email, encodeDecimal(c.TotalSpent), c.TotalOrders,
			encodeBool(c.AllowCredit), string(c.Status),
		}, nil
	},
	decode: func(rv *rowValues, c *posmodel.Customer) {
		c.Name = rv.text("name")
		c.Phone = rv.text("phone")
		c.Email = rv.text("email")
		c.TotalSpent = rv.decimal("totalSpent")
		c.TotalOrders = rv.integer("totalOrders")
		c.AllowCredit = rv.boolean("allowCredit")
		c.Status = posmodel.Status(rv.text("status"))
	},
}

var orderCodec = &codec[posmodel.Order]{
	table: string(posmodel.KindOrder),
	fields: []string{
		"orderNumber", "customer", "items", "payments", "subtotal", "discount", "tax", "total",
		"status", "refunded", "receiptPrinted", "closedAt",
	},
	meta: func(o *posmodel.Order) *posmodel.Meta { return &o.Meta },
	encode: func(o *posmodel.Order) ([]any, error) {
		if o.ClosedAt != nil {
			closed := posmodel.Timestamp(*o.ClosedAt)
			o.ClosedAt = &closed
			if closed.IsZero() {
				o.ClosedAt = nil
			}
		}
		var customer any
		if o.Customer != nil {
			s, err := encodeJSON(o.Customer)
			if err != nil {
				return nil, err
			}
			customer = s
		}
		if o.Items == nil {
			o.Items = []posmodel.OrderItem{}
		}
		itemsJSON, err := encodeJSON(o.Items)
		if err != nil {
			return nil, err
		}
		if o.Payments == nil {
			o.Payments = []posmodel.Payment{}
		}
		paymentsJSON, err := encodeJSON(o.Payments)
		if err != nil {
			return nil, err
		}
		return []any{
			o.OrderNumber, customer, itemsJSON, paymentsJSON,
			encodeDecimal(o.Subtotal), encodeDecimal(o.Discount), encodeDecimal(o.Tax), encodeDecimal(o.Total),
			string(o.Status), encodeBool(o.Refunded), encodeBool(o.ReceiptPrinted), encodeOptTime(o.ClosedAt),
		}, nil
	},
	decode: func(rv *rowValues, o *posmodel.Order) {
		o.OrderNumber = rv.text("orderNumber")
		var customer posmodel.CustomerRef
		if rv.optJSON("customer", &customer) {
			o.Customer = &customer
		}
		rv.json("items", &o.Items)
		rv.json("payments", &o.Payments)
		o.Subtotal = rv.decimal("subtotal")
		o.Discount = rv.decimal("discount")
		o.Tax = rv.decimal("tax")
		o.Total = rv.decimal("total")
		o.Status = posmodel.OrderStatus(rv.text("status"))
		o.Refunded = rv.boolean("refunded")
		o.ReceiptPrinted = rv.boolean("receiptPrinted")
		o.ClosedAt = rv.optTimestamp("closedAt")
	},
}

var printerCodec = &codec[posmodel.Printer]{
	table: string(posmodel.KindPrinter),
	fields: []string{
		"name", "kind", "address", "port", "paperWidth", "isDefault", "enabled", "status",
	},
	meta: func(p *posmodel.Printer) *posmodel.Meta { return &p.Meta },
	encode: func(p *posmodel.Printer) ([]any, error) {
		return []any{
			p.Name, string(p.PrinterKind), p.Address, p.Port, p.PaperWidth,
			encodeBool(p.IsDefault), encodeBool(p.Enabled), string(p.Status),
		}, nil
	},
	decode: func(rv *rowValues, p *posmodel.Printer) {
		p.Name = rv.text("name")
		p.PrinterKind = posmodel.PrinterKind(rv.text("kind"))
		p.Address = rv.text("address")
		p.Port = rv.integer("port")
		p.PaperWidth = rv.integer("paperWidth")
		p.IsDefault = rv.boolean("isDefault")
		p.Enabled = rv.boolean("enabled")
		p.Status = posmodel.Status(rv.text("status"))
	},
}
