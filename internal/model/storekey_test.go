package model

import (
	"sort"
	"testing"
)

func TestParseStoreKeyForms(t *testing.T) {
	cases := []struct {
		raw  string
		want StoreKey
	}{
		{"npm:group:public", StoreKey{PackageType: "npm", Type: StoreTypeGroup, Name: "public"}},
		{"hosted:local", StoreKey{PackageType: PackageTypeMaven, Type: StoreTypeHosted, Name: "local"}},
		{"central", StoreKey{PackageType: PackageTypeMaven, Type: StoreTypeRemote, Name: "central"}},
	}
	for _, tc := range cases {
		got, err := ParseStoreKey(tc.raw)
		if err != nil {
			t.Fatalf("解析 %s 失败: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("解析 %s 得到 %+v", tc.raw, got)
		}
	}

	if _, err := ParseStoreKey("maven:bogus:x"); err == nil {
		t.Fatalf("非法类型应返回错误")
	}
	if _, err := ParseStoreKey("maven:hosted:"); err == nil {
		t.Fatalf("缺少名称应返回错误")
	}
}

func TestStoreKeyOrdering(t *testing.T) {
	keys := []StoreKey{
		NewStoreKey("npm", StoreTypeRemote, "a"),
		NewStoreKey("maven", StoreTypeGroup, "a"),
		NewStoreKey("maven", StoreTypeRemote, "z"),
		NewStoreKey("maven", StoreTypeHosted, "b"),
		NewStoreKey("maven", StoreTypeHosted, "a"),
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	want := []string{
		"maven:remote:z",
		"maven:hosted:a",
		"maven:hosted:b",
		"maven:group:a",
		"npm:remote:a",
	}
	for i, key := range keys {
		if key.String() != want[i] {
			t.Fatalf("排序位置 %d 期望 %s，得到 %s", i, want[i], key)
		}
	}
}

func TestInternReturnsEqualValue(t *testing.T) {
	a := NewStoreKey("maven", StoreTypeHosted, "local")
	b := Intern(StoreKey{PackageType: "maven", Type: StoreTypeHosted, Name: "local"})
	if a != b {
		t.Fatalf("驻留后的 key 应按值相等")
	}
	m := map[StoreKey]int{a: 1}
	if m[StoreKey{PackageType: "maven", Type: StoreTypeHosted, Name: "local"}] != 1 {
		t.Fatalf("未驻留的等值 key 也必须命中 map")
	}
}

func TestGroupMembershipEdits(t *testing.T) {
	a := NewStoreKey("maven", StoreTypeHosted, "a")
	b := NewStoreKey("maven", StoreTypeRemote, "b")
	g := NewGroup("maven", "public", a, b, a)
	if len(g.Constituents) != 2 {
		t.Fatalf("成员应去重，得到 %v", g.Constituents)
	}

	c := NewStoreKey("maven", StoreTypeHosted, "c")
	if !g.InsertConstituent(0, c) {
		t.Fatalf("插入新成员应成功")
	}
	if g.Constituents[0] != c {
		t.Fatalf("新成员应位于下标 0")
	}
	if g.InsertConstituent(0, c) {
		t.Fatalf("重复插入应返回 false")
	}

	copied := g.Copy()
	copied.RemoveConstituent(b)
	if !g.HasConstituent(b) {
		t.Fatalf("修改拷贝不应影响原 group")
	}
	if copied.RemoveConstituent(b) {
		t.Fatalf("删除不存在的成员应为 no-op")
	}
}

func TestEncodeDecodeStore(t *testing.T) {
	g := NewGroup("maven", "public", NewStoreKey("maven", StoreTypeHosted, "a"))
	g.SetMetadata("owner", "ops")
	data, err := EncodeStore(g)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	decoded, err := DecodeStore(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	dg, ok := decoded.(*Group)
	if !ok {
		t.Fatalf("期望 *Group，得到 %T", decoded)
	}
	if dg.Key() != g.Key() || len(dg.Constituents) != 1 || dg.GetMetadata("owner") != "ops" {
		t.Fatalf("解码结果不一致: %+v", dg)
	}
}

func TestValidateKindRejectsMismatch(t *testing.T) {
	r := NewRemoteRepository("maven", "central", "https://repo.maven.apache.org/maven2")
	r.StoreKey = NewStoreKey("maven", StoreTypeHosted, "central")
	if err := ValidateKind(r); err == nil {
		t.Fatalf("类型不一致应报错")
	}
}

func TestAllowsPathMasks(t *testing.T) {
	r := NewRemoteRepository("maven", "koji", "http://koji.local")
	r.PathMasks = []string{"org/foo/", "r|.+\\.pom$|"}
	if !r.AllowsPath("/org/foo/foo-1.jar") {
		t.Fatalf("前缀 mask 应放行")
	}
	if !r.AllowsPath("/com/bar/bar-1.pom") {
		t.Fatalf("正则 mask 应放行")
	}
	if r.AllowsPath("/com/bar/bar-1.jar") {
		t.Fatalf("不匹配的路径应被拒绝")
	}
}
