package msg

import (
	"encoding/json"
	"testing"

	"gridlink/errcode"
	"gridlink/tag"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:     WriteTag,
		Sender:   "a1",
		Receiver: "d1",
		Context:  "ctx-1",
		Body: &WriteTagBody{
			Driver: "d1",
			Group:  "g1",
			Tag:    "t1",
			Value:  json.RawMessage(`42`),
		},
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != WriteTag || got.Sender != "a1" || got.Receiver != "d1" || got.Context != "ctx-1" {
		t.Errorf("header mismatch: %+v", got)
	}
	body, ok := got.Body.(*WriteTagBody)
	if !ok {
		t.Fatalf("expected WriteTagBody, got %T", got.Body)
	}
	if body.Tag != "t1" || string(body.Value) != "42" {
		t.Errorf("body mismatch: %+v", body)
	}
}

func TestTransDataRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:     TransData,
		Sender:   "d1",
		Receiver: "a1",
		Body: &TransDataBody{
			Driver:    "d1",
			Group:     "g1",
			Timestamp: 12345,
			Values: []TagValue{
				{Name: "t1", Value: float64(7)},
				{Name: "t2", Value: 3.14},
				{Name: "bad", Error: errcode.EInternal},
			},
		},
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	body := got.Body.(*TransDataBody)
	if body.Timestamp != 12345 || len(body.Values) != 3 {
		t.Fatalf("body mismatch: %+v", body)
	}
	if body.Values[2].Error != errcode.EInternal {
		t.Errorf("per-tag error lost: %+v", body.Values[2])
	}
}

func TestUnknownType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"type":9999,"sender":"x","receiver":"y"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestResponsePairs(t *testing.T) {
	cases := []struct {
		req, resp Type
	}{
		{AddNode, NodeUninit},
		{UpdateGroup, UpdateDriverGroupResp},
		{GetNodeSetting, GetNodeSettingResp},
		{ReadGroup, ReadGroupResp},
		{WriteTag, RespError},
		{WriteTags, RespError},
	}
	for _, c := range cases {
		got, ok := ResponseType(c.req)
		if !ok || got != c.resp {
			t.Errorf("%s: expected %s, got %s", c.req, c.resp, got)
		}
	}
	if _, ok := ResponseType(TransData); ok {
		t.Error("TRANS_DATA has no in-place response")
	}
}

func TestReplyError(t *testing.T) {
	req := &Envelope{Type: WriteTag, Sender: "a1", Receiver: "d1", Context: "ctx"}
	resp := req.ReplyError("d1", errcode.ErrTagNotExist)
	if resp.Receiver != "a1" || resp.Sender != "d1" || resp.Context != "ctx" {
		t.Errorf("reply routing wrong: %+v", resp)
	}
	if resp.Body.(*RespErrorBody).Error != errcode.TagNotExist {
		t.Errorf("reply code wrong: %+v", resp.Body)
	}

	ok := req.ReplyError("d1", nil)
	if ok.Body.(*RespErrorBody).Error != errcode.Success {
		t.Error("nil error must map to Success")
	}
}

func TestTagOpBodyCarriesStaticValue(t *testing.T) {
	st := &tag.Tag{Name: "s", Address: "1!1", Type: tag.TypeFloat, Attribute: tag.AttrStatic}
	if err := st.SetStatic(tag.FloatValue(tag.TypeFloat, 3.14)); err != nil {
		t.Fatalf("set static: %v", err)
	}
	env := &Envelope{
		Type:     AddTag,
		Sender:   "manager",
		Receiver: "d1",
		Body:     &TagOpBody{Driver: "d1", Group: "g1", Tags: []*tag.Tag{st}},
	}
	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tags := got.Body.(*TagOpBody).Tags
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag, got %d", len(tags))
	}
	v, err := tags[0].GetStatic()
	if err != nil {
		t.Fatalf("static lost: %v", err)
	}
	if v.F64 != 3.14 {
		t.Errorf("static value wrong: %v", v.F64)
	}
}
