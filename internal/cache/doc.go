// Package cache 把仓库内容映射为 StoragePath 下的文件：每个仓库对应一个 Location，
// (Location, 路径) 组成 Transfer。写入先落临时文件再 rename，写锁按存储路径串行化，
// 完成后通过事件总线发布 Stored/Deleted/Accessed。旁路文件（.http-metadata、
// .rels.ser、合并来源记录等）与主文件同目录存放，List 时隐藏。
package cache
