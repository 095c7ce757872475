// Copyright 2024-2026 Aiku AI

package wechat

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrContactNotFound is returned when a contact lookup matches no row.
var ErrContactNotFound = errors.New("contact not found")

const (
	dbMicroMsg      = "MicroMsg.db"
	dbOpenIMContact = "OpenIMContact.db"

	microMsgContactSQL = `SELECT c.UserName, c.NickName, i.bigHeadImgUrl, i.smallHeadImgUrl, c.Remark ` +
		`FROM Contact AS c LEFT JOIN ContactHeadImgUrl AS i ON c.UserName = i.usrName`
	openIMContactSQL = `SELECT UserName, NickName, BigHeadImgUrl, SmallHeadImgUrl, Remark FROM OpenIMContact`

	chatroomSuffix = "@chatroom"
	openIMSuffix   = "@openim"
	contactColumns = 5
)

// contact is one row of a contact table query.
type contact struct {
	Username  string
	Nickname  string
	AvatarURL string
	Remark    string
}

func (c contact) userInfo() UserInfo {
	return UserInfo{
		ID:       c.Username,
		Nickname: c.Nickname,
		Avatar:   c.AvatarURL,
		Remark:   c.Remark,
	}
}

func (c contact) groupInfo() GroupInfo {
	return GroupInfo{
		ID:       c.Username,
		Nickname: c.Nickname,
		Avatar:   c.AvatarURL,
		Members:  []string{},
	}
}

// dbHandle resolves a database name to the handle the query API expects.
func (c *Client) dbHandle(ctx context.Context, name string) (int64, error) {
	var resp struct {
		Data []struct {
			DBName string `json:"db_name"`
			Handle int64  `json:"handle"`
		} `json:"data"`
	}
	if err := c.callJSON(ctx, apiDatabaseHandles, nil, &resp); err != nil {
		return 0, err
	}
	for _, db := range resp.Data {
		if db.DBName == name {
			return db.Handle, nil
		}
	}
	return 0, fmt.Errorf("%w: database %s not found", ErrUpstream, name)
}

// execSQL runs a query and returns the result rows. The first row is the
// column header.
func (c *Client) execSQL(ctx context.Context, dbName, sql string) ([][]string, error) {
	handle, err := c.dbHandle(ctx, dbName)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result string     `json:"result"`
		Data   [][]string `json:"data"`
	}
	req := map[string]any{"db_handle": handle, "sql": sql}
	if err := c.callJSON(ctx, apiDatabaseQuery, req, &resp); err != nil {
		return nil, err
	}
	if err := checkResult(apiDatabaseQuery, resp.Result); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// queryContacts runs a contact query, optionally restricted to one user
// name, and parses the rows after the header.
func (c *Client) queryContacts(ctx context.Context, dbName, sql, userColumn, userName string) ([]contact, error) {
	if userName != "" {
		sql = fmt.Sprintf(`%s WHERE %s="%s"`, sql, userColumn, strings.ReplaceAll(userName, `"`, `""`))
	}
	rows, err := c.execSQL(ctx, dbName, sql)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil
	}
	contacts := make([]contact, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < contactColumns {
			return nil, fmt.Errorf("%w: contact row has %d columns, want %d", ErrUpstream, len(row), contactColumns)
		}
		avatar := row[2]
		if avatar == "" {
			avatar = row[3]
		}
		contacts = append(contacts, contact{
			Username:  row[0],
			Nickname:  row[1],
			AvatarURL: avatar,
			Remark:    row[4],
		})
	}
	return contacts, nil
}

func (c *Client) microMsgContacts(ctx context.Context, userName string) ([]contact, error) {
	return c.queryContacts(ctx, dbMicroMsg, microMsgContactSQL, "c.UserName", userName)
}

func (c *Client) openIMContacts(ctx context.Context, userName string) ([]contact, error) {
	return c.queryContacts(ctx, dbOpenIMContact, openIMContactSQL, "UserName", userName)
}

// contactByID looks up a single contact. Enterprise contacts live in the
// OpenIM database, everything else in MicroMsg. The first data row is the
// contact.
func (c *Client) contactByID(ctx context.Context, wxID string) (contact, error) {
	var (
		contacts []contact
		err      error
	)
	if strings.HasSuffix(wxID, openIMSuffix) {
		contacts, err = c.openIMContacts(ctx, wxID)
	} else {
		contacts, err = c.microMsgContacts(ctx, wxID)
	}
	if err != nil {
		return contact{}, err
	}
	if len(contacts) == 0 {
		return contact{}, fmt.Errorf("%w: %s", ErrContactNotFound, wxID)
	}
	return contacts[0], nil
}
