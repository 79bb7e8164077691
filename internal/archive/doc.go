// Package archive keeps a columnar copy of a session's events next to the
// trace stream.
//
// An Archiver receives every retired buffer after the serializer has
// written it, copies the events out as Records and writes them to Parquet
// or Avro files. Files rotate on size, record count or age:
//
//	enc, _ := archive.NewEncoder(archive.FormatParquet, "zstd")
//	a, _ := archive.New(archive.Config{
//		Dir:      "/var/lib/eventpipe/archive",
//		Session:  "gc",
//		Rotation: archive.PolicyConfig{MaxRecordsPerFile: 100000},
//	}, enc, catalog, logger, metrics)
//	defer a.Close()
//
// Archive files are named
//
//	DIR/session=NAME/events_<first buffer sequence>_<last buffer sequence>.<ext>
//
// so the files of one session sort in serialization order.
package archive
