package choir

import (
	"context"
	"fmt"
	"io"
	"net"

	"gitlab.com/stephen-fox/uafkit/bstruct"
	"gitlab.com/stephen-fox/uafkit/wire"
)

// Dial connects to a choir server.
func Dial(ctx context.Context, address string) (*Client, error) {
	c, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	return NewClient(c), nil
}

// NewClient creates a Client that speaks over rwc.
func NewClient(rwc io.ReadWriteCloser) *Client {
	return &Client{
		rwc: rwc,
	}
}

// Client is a choir protocol client. Requests that fail with a
// non-zero status return a *StatusError.
type Client struct {
	rwc io.ReadWriteCloser
}

// Do sends a raw request and returns the raw response.
func (o *Client) Do(op uint32, arg []byte) (wire.Response, error) {
	err := wire.WriteRequest(o.rwc, wire.Request{
		Op:  op,
		Arg: arg,
	})
	if err != nil {
		return wire.Response{}, fmt.Errorf("failed to write %s request - %w", OpName(op), err)
	}

	resp, err := wire.ReadResponse(o.rwc, 0)
	if err != nil {
		return wire.Response{}, fmt.Errorf("failed to read %s response - %w", OpName(op), err)
	}

	return resp, nil
}

func (o *Client) call(op uint32, args interface{}, extra []byte) ([]byte, error) {
	var arg []byte

	if args != nil {
		var err error

		arg, err = bstruct.ToBytes(args, wire.ByteOrder, nil)
		if err != nil {
			return nil, err
		}
	}

	resp, err := o.Do(op, append(arg, extra...))
	if err != nil {
		return nil, err
	}

	if resp.Status != uint32(StatusOK) {
		return nil, &StatusError{
			Status: Status(resp.Status),
			Body:   string(resp.Body),
		}
	}

	return resp.Body, nil
}

func (o *Client) Create(index uint32) error {
	_, err := o.call(OpCreate, indexArgs{Index: index}, nil)
	return err
}

func (o *Client) Free(index uint32) error {
	_, err := o.call(OpFree, indexArgs{Index: index}, nil)
	return err
}

// SetPayload writes data to the payload of the object at index.
func (o *Client) SetPayload(index uint32, data []byte) error {
	return o.SetPayloadN(index, uint32(len(data)), data)
}

// SetPayloadN is like SetPayload, but sends an explicit length.
func (o *Client) SetPayloadN(index uint32, length uint32, data []byte) error {
	_, err := o.call(OpSetPayload, setPayloadArgs{Index: index, Length: length}, data)
	return err
}

func (o *Client) ReadPayload(index uint32) ([]byte, error) {
	return o.call(OpReadPayload, indexArgs{Index: index}, nil)
}

func (o *Client) Trigger(index uint32) error {
	_, err := o.call(OpTrigger, indexArgs{Index: index}, nil)
	return err
}

// Spray asks the server to allocate count copies of fill.
func (o *Client) Spray(count uint32, fill []byte) error {
	_, err := o.call(OpSpray, sprayArgs{ChunkSize: uint32(len(fill)), Count: count}, fill)
	return err
}

func (o *Client) Leak() (Leak, error) {
	body, err := o.call(OpLeak, nil, nil)
	if err != nil {
		return Leak{}, err
	}

	var leak leakBody

	_, err = bstruct.FromBytes(body, wire.ByteOrder, &leak)
	if err != nil {
		return Leak{}, fmt.Errorf("failed to decode leak - %w", err)
	}

	return Leak{
		GiveRoot:  leak.GiveRoot,
		ChoirSing: leak.ChoirSing,
	}, nil
}

func (o *Client) ReadSecret() ([]byte, error) {
	return o.call(OpReadSecret, nil, nil)
}

func (o *Client) Close() error {
	return o.rwc.Close()
}
